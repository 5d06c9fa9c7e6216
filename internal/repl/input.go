package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

// LineInput reads one line at a time. Output written through Writer does not
// tear the prompt.
type LineInput interface {
	ReadLine() (string, error)
	Writer() io.Writer
	Close() error
}

type basicInput struct {
	reader *bufio.Reader
	out    io.Writer
	prompt string
}

// NewBasicInput reads plain lines from in; used when stdin is not a terminal.
func NewBasicInput(in io.Reader, out io.Writer, prompt string) LineInput {
	return &basicInput{reader: bufio.NewReader(in), out: out, prompt: prompt}
}

func (b *basicInput) ReadLine() (string, error) {
	if b.prompt != "" {
		fmt.Fprint(b.out, b.prompt)
	}
	line, err := b.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *basicInput) Writer() io.Writer { return b.out }

func (b *basicInput) Close() error { return nil }

type readlineInput struct {
	instance *readline.Instance
}

// NewReadlineInput opens a readline prompt with history at historyPath.
func NewReadlineInput(prompt, historyPath string) (LineInput, error) {
	if historyPath != "" {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	instance, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       historyPath,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return nil, err
	}
	return &readlineInput{instance: instance}, nil
}

func (r *readlineInput) ReadLine() (string, error) {
	return r.instance.Readline()
}

func (r *readlineInput) Writer() io.Writer { return r.instance.Stdout() }

func (r *readlineInput) Close() error {
	if r == nil || r.instance == nil {
		return nil
	}
	return r.instance.Close()
}
