// Package repl is the line-mode front end. It runs the same foreground
// loop as the TUI: a select over input lines and a drain ticker.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"memini/internal/app"
)

const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[90m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

// Loop prints what the app produces between prompts.
type Loop struct {
	App   *app.App
	In    LineInput
	Tick  time.Duration
	Color bool

	msgs     int
	logs     int
	streamed int
	// open is set while a streamed reply has no trailing newline yet.
	open bool
}

// Run reads lines until /quit, EOF or ctx is done. After EOF it waits for
// the running chat turn so piped input gets its answer.
func (l *Loop) Run(ctx context.Context) error {
	tick := l.Tick
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := l.In.ReadLine()
			if errors.Is(err, readline.ErrInterrupt) && strings.TrimSpace(line) != "" {
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	inputDone := false
	l.flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			l.App.Submit(line)
			l.flush()
			if l.App.ShouldQuit() {
				return nil
			}
		case err := <-readErr:
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				return err
			}
			inputDone = true
		case <-ticker.C:
			l.App.Drain()
			l.flush()
			if l.App.ShouldQuit() || (inputDone && !l.App.Busy()) {
				return nil
			}
		}
	}
}

func (l *Loop) out() io.Writer {
	return l.In.Writer()
}

func (l *Loop) paint(color, text string) string {
	if !l.Color || color == "" {
		return text
	}
	return color + text + ansiReset
}

// flush prints transcript entries, streamed text and log lines that are new
// since the last call.
func (l *Loop) flush() {
	w := l.out()
	tr := l.App.Transcript()
	if l.msgs > len(tr) {
		l.msgs = 0
	}
	for _, m := range tr[l.msgs:] {
		switch m.Role {
		case "user":
		case "assistant":
			if l.streamed > 0 {
				l.endLine(w)
				l.streamed = 0
				continue
			}
			fmt.Fprintln(w, m.Text)
		default:
			l.endLine(w)
			fmt.Fprintln(w, l.paint(ansiCyan, m.Text))
		}
	}
	l.msgs = len(tr)

	s := l.App.Streaming()
	switch {
	case len(s) > l.streamed:
		fmt.Fprint(w, s[l.streamed:])
		l.streamed = len(s)
		l.open = true
	case len(s) < l.streamed:
		l.endLine(w)
		l.streamed = 0
	}

	var fresh []app.LogLine
	fresh, l.logs = l.App.LogsSince(l.logs)
	for _, line := range fresh {
		l.endLine(w)
		fmt.Fprintln(w, l.renderLog(line))
	}
}

func (l *Loop) endLine(w io.Writer) {
	if l.open {
		fmt.Fprintln(w)
		l.open = false
	}
}

func (l *Loop) renderLog(line app.LogLine) string {
	text := fmt.Sprintf("[%s] %s", line.Level, line.Message)
	switch line.Level {
	case app.Error:
		return l.paint(ansiRed, text)
	case app.Warn:
		return l.paint(ansiYellow, text)
	default:
		return l.paint(ansiDim, text)
	}
}
