// Package windows tracks spawned agent sessions. The Manager and the
// Coordination store are owned by the foreground loop; sessions report to
// it only through events.
package windows

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownWindow   = errors.New("unknown agent window")
	ErrNotWaiting      = errors.New("agent window is not waiting for input")
	ErrNoWaitingWindow = errors.New("no agent window is waiting for input")
	ErrEmptyReply      = errors.New("empty reply")
)

// MaxOutputLines is the soft cap of a window's output buffer.
const MaxOutputLines = 2000

type Status int

const (
	Thinking Status = iota
	WaitingForInput
	Done
)

func (s Status) String() string {
	switch s {
	case Thinking:
		return "thinking"
	case WaitingForInput:
		return "waiting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Window is one spawned agent session as seen by the UI.
type Window struct {
	ID              int
	Label           string
	Prompt          string
	Status          Status
	Output          []string
	PendingQuestion string
	Persona         string
	Servers         []string
	CoordinationKey string
	Result          string
	Failed          bool
	CreatedAt       time.Time

	input chan string
}

// Event is a window-id-tagged report from a session goroutine.
type Event interface {
	windowID() int
}

// Spawned introduces a new window. Sent before the session starts.
type Spawned struct{ Window *Window }

// Output appends lines to a window.
type Output struct {
	ID    int
	Lines []string
}

// Waiting moves a window to WaitingForInput.
type Waiting struct {
	ID       int
	Question string
}

// Finished moves a window to Done. Err marks a failed session.
type Finished struct {
	ID     int
	Result string
	Err    error
}

func (e Spawned) windowID() int  { return e.Window.ID }
func (e Output) windowID() int   { return e.ID }
func (e Waiting) windowID() int  { return e.ID }
func (e Finished) windowID() int { return e.ID }

// Manager is the foreground-owned window list.
type Manager struct {
	windows map[int]*Window
	removed map[int]removedWindow
	coord   *Coordination
}

func NewManager(coord *Coordination) *Manager {
	if coord == nil {
		coord = NewCoordination()
	}
	return &Manager{windows: map[int]*Window{}, coord: coord}
}

func (m *Manager) Coordination() *Coordination {
	return m.coord
}

// Add registers a prepared window directly, for spawns started by the
// foreground itself.
func (m *Manager) Add(w *Window) {
	if w == nil {
		return
	}
	m.windows[w.ID] = w
}

// Apply folds a session event into the window list. Finished events with a
// coordination key are recorded even when the window was removed from view.
func (m *Manager) Apply(ev Event) {
	switch e := ev.(type) {
	case Spawned:
		m.Add(e.Window)
	case Output:
		if w, ok := m.windows[e.ID]; ok {
			w.appendOutput(e.Lines...)
		}
	case Waiting:
		if w, ok := m.windows[e.ID]; ok {
			w.Status = WaitingForInput
			w.PendingQuestion = e.Question
			w.appendOutput("? " + e.Question)
		}
	case Finished:
		result := e.Result
		if e.Err != nil {
			result = "error: " + e.Err.Error()
		}
		label, key := "", ""
		if w, ok := m.windows[e.ID]; ok {
			w.Status = Done
			w.PendingQuestion = ""
			w.Result = result
			w.Failed = e.Err != nil
			if e.Err != nil {
				w.appendOutput(result)
			}
			label, key = w.Label, w.CoordinationKey
		} else if r, ok := m.removed[e.ID]; ok {
			label, key = r.label, r.key
		}
		if key != "" {
			m.coord.Append(key, Record{WindowID: e.ID, Label: label, Result: result, Failed: e.Err != nil})
		}
	}
}

func (w *Window) appendOutput(lines ...string) {
	w.Output = append(w.Output, lines...)
	if over := len(w.Output) - MaxOutputLines; over > 0 {
		w.Output = append([]string(nil), w.Output[over:]...)
	}
}

// List returns snapshots of the visible windows in id order.
func (m *Manager) List() []Window {
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Get(id int) (Window, bool) {
	w, ok := m.windows[id]
	if !ok {
		return Window{}, false
	}
	return w.snapshot(), true
}

func (w *Window) snapshot() Window {
	cp := *w
	cp.Output = append([]string(nil), w.Output...)
	cp.Servers = append([]string(nil), w.Servers...)
	cp.input = nil
	return cp
}

// Counts reports how many windows are in each status.
func (m *Manager) Counts() (thinking, waiting, done int) {
	for _, w := range m.windows {
		switch w.Status {
		case Thinking:
			thinking++
		case WaitingForInput:
			waiting++
		case Done:
			done++
		}
	}
	return
}

// NextWaiting is the lowest-id window waiting for input.
func (m *Manager) NextWaiting() (int, bool) {
	best := 0
	for id, w := range m.windows {
		if w.Status == WaitingForInput && (best == 0 || id < best) {
			best = id
		}
	}
	return best, best != 0
}

// Reply delivers message to the window named by target, a window id or
// "next". The window returns to Thinking.
func (m *Manager) Reply(target, message string) (int, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyReply
	}
	var id int
	if strings.EqualFold(strings.TrimSpace(target), "next") {
		next, ok := m.NextWaiting()
		if !ok {
			return 0, ErrNoWaitingWindow
		}
		id = next
	} else {
		n, err := ParseID(target)
		if err != nil {
			return 0, err
		}
		id = n
	}
	w, ok := m.windows[id]
	if !ok {
		return id, fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	if w.Status != WaitingForInput || w.input == nil {
		return id, fmt.Errorf("%w: window %d is %s", ErrNotWaiting, id, w.Status)
	}
	select {
	case w.input <- message:
	default:
		return id, fmt.Errorf("%w: window %d already has a pending reply", ErrNotWaiting, id)
	}
	w.Status = Thinking
	w.PendingQuestion = ""
	w.appendOutput("> " + message)
	return id, nil
}

// Remove hides a window. Its id is never reused and a later Finished event
// still reaches the coordination store. A running session finishes at its
// next question.
func (m *Manager) Remove(id int) error {
	w, ok := m.windows[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	if m.removed == nil {
		m.removed = map[int]removedWindow{}
	}
	if w.Status != Done {
		m.removed[id] = removedWindow{label: w.Label, key: w.CoordinationKey}
		// a session blocked on a question ends instead of waiting forever
		if w.input != nil {
			close(w.input)
		}
	}
	delete(m.windows, id)
	return nil
}

type removedWindow struct {
	label string
	key   string
}

// ParseID parses a window id argument.
func ParseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownWindow, s)
	}
	return id, nil
}
