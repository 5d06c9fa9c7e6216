package windows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"memini/internal/chat"
	"memini/internal/engine"
	"memini/internal/prompts"
	"memini/internal/tools"
)

var errRemoved = errors.New("window removed while waiting for input")

// session is the state machine of one spawned agent. It runs in its own
// goroutine and talks to the foreground only through emit and input.
type session struct {
	id       int
	prompt   string
	persona  string
	hasTools bool
	loop     *engine.Loop
	dispatch engine.Dispatch
	thread   *engine.Thread
	input    <-chan string
	emit     func(any)
	now      func() time.Time
	logger   *slog.Logger
}

func (s *session) run(ctx context.Context) {
	pending := s.prompt
	for {
		msgs := []chat.Message{chat.System(prompts.WorkerSystemPrompt(s.persona, s.now(), s.hasTools))}
		msgs = append(msgs, s.thread.Messages()...)
		msgs = append(msgs, chat.User(pending))

		out, err := s.loop.Run(ctx, msgs, s.dispatch)
		if err != nil {
			s.logger.Warn("agent session failed", "window", s.id, "err", err)
			s.emit(Finished{ID: s.id, Err: err})
			return
		}
		if out.Exhausted {
			s.emit(Output{ID: s.id, Lines: []string{fmt.Sprintf("stopped after %d tool rounds", out.Loops)}})
		}
		text := strings.TrimSpace(out.Text)
		s.thread.Append(chat.User(pending), chat.Assistant(text))

		question, body, waiting := prompts.ParseNeedsInput(text)
		if !waiting {
			body = text
		}
		if body != "" {
			s.emit(Output{ID: s.id, Lines: strings.Split(body, "\n")})
		}
		if !waiting {
			if text == "" {
				text = "finished with no text output"
			}
			s.emit(Finished{ID: s.id, Result: text})
			return
		}

		s.emit(Waiting{ID: s.id, Question: question})
		reply, ok := <-s.input
		if !ok {
			s.emit(Finished{ID: s.id, Err: errRemoved})
			return
		}
		pending = reply
	}
}

func (s *session) onTool(target tools.Target, _ string) {
	s.emit(Output{ID: s.id, Lines: []string{"-> " + target.Name}})
}
