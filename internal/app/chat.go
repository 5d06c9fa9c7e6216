package app

import (
	"errors"
	"fmt"
	"time"

	"memini/internal/engine"
)

// startTurn runs a chat turn in the background. Progress arrives as
// TurnChunk and ToolActivity, the end as TurnDone.
func (a *App) startTurn(input string, requireTools bool) {
	if a.engine == nil {
		a.log.Add(Error, "chat engine is not configured")
		return
	}
	if input == "" {
		return
	}
	if a.engine.Running() {
		a.log.Add(Warn, "a chat turn is already running; wait for it to finish")
		return
	}
	if a.provider != nil && !a.provider.HasAPIKey() {
		a.log.Add(Warn, "no OpenAI API key; set one with /openai key <key>")
		return
	}
	a.transcript = append(a.transcript, Message{Role: "user", Text: input, At: a.now()})
	a.streaming.Reset()
	a.turnTools = 0
	ctx := a.ctx
	go func() {
		res, err := a.engine.RunTurn(ctx, input, requireTools)
		a.bus.Emit(TurnDone{Result: res, Err: err})
	}()
}

func (a *App) finishTurn(done TurnDone) {
	partial := a.streaming.String()
	a.streaming.Reset()
	if done.Err != nil {
		switch {
		case errors.Is(done.Err, engine.ErrNoConnection):
			a.log.Add(Warn, done.Err.Error())
		case errors.Is(done.Err, engine.ErrBusy):
			a.log.Add(Warn, "a chat turn is already running")
		default:
			a.log.Add(Error, fmt.Sprintf("chat turn failed: %v", done.Err))
		}
		if partial != "" {
			a.transcript = append(a.transcript, Message{Role: "assistant", Text: partial, At: a.now()})
		}
		return
	}
	res := done.Result
	if res.Text != "" {
		a.transcript = append(a.transcript, Message{Role: "assistant", Text: res.Text, At: a.now()})
	}
	for _, w := range res.Warnings {
		a.log.Add(Warn, w)
	}
	a.log.Add(Info, fmt.Sprintf("turn finished in %s: %d memories, %d tool calls, %d rounds",
		res.Elapsed.Round(10*time.Millisecond), res.Recalled, res.ToolCalls, res.Loops))
}
