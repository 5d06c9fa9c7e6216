// Package daemon runs background agent tasks on an interval, on demand, or
// when a published event matches a task's trigger filter.
package daemon

import (
	"strings"
	"time"
)

// EventVariableUpdate is published whenever a memory variable is set.
const EventVariableUpdate = "VariableUpdate"

// DefaultInterval applies to recipes without an interval.
const DefaultInterval = time.Hour

// TaskDef describes a background task. It is immutable once started.
type TaskDef struct {
	Name             string
	Description      string
	Persona          string
	Prompt           string
	Interval         time.Duration
	TriggerEvents    []string
	TriggerVariables []string
	Tools            []string
	// Paused tasks never tick; they run on wake or trigger only.
	Paused  bool
	Builtin bool
	// RecentWindow, when set, feeds memory traces younger than it into
	// each run.
	RecentWindow time.Duration
	// Path is the recipe file the task came from, if any.
	Path string
}

func (d TaskDef) HasTrigger() bool {
	return len(d.TriggerEvents) > 0 || len(d.TriggerVariables) > 0
}

// TriggerSummary renders the filter as "events:variables".
func (d TaskDef) TriggerSummary() string {
	if !d.HasTrigger() {
		return ""
	}
	events := EventVariableUpdate
	if len(d.TriggerEvents) > 0 {
		events = strings.Join(d.TriggerEvents, "|")
	}
	vars := "*"
	if len(d.TriggerVariables) > 0 {
		vars = strings.Join(d.TriggerVariables, ",")
	}
	return events + ":" + vars
}

// MatchesTrigger reports whether an event of eventType about variable
// should fire the task. variable is "" for events without one.
func (d TaskDef) MatchesTrigger(eventType, variable string) bool {
	if !d.HasTrigger() {
		return false
	}
	if len(d.TriggerEvents) == 0 {
		if !strings.EqualFold(eventType, EventVariableUpdate) {
			return false
		}
	} else {
		matched := false
		for _, e := range d.TriggerEvents {
			if strings.EqualFold(strings.TrimSpace(e), eventType) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(d.TriggerVariables) == 0 {
		return true
	}
	if variable == "" {
		return false
	}
	candidate := strings.ToLower(variable)
	for _, pattern := range d.TriggerVariables {
		p := strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case p == "":
			continue
		case p == "*":
			return true
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(candidate, strings.TrimSuffix(p, "*")) {
				return true
			}
		case candidate == p:
			return true
		}
	}
	return false
}

// Event is something tasks can be triggered by.
type Event struct {
	Type     string
	Variable string
	Value    string
}

// Result is the report of one task run.
type Result struct {
	ID      string
	Task    string
	Message string
	Err     error
	Trigger string
	At      time.Time
}

// History keeps the most recent results. It is owned by the foreground.
type History struct {
	limit int
	items []Result
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 200
	}
	return &History{limit: limit}
}

func (h *History) Add(r Result) {
	h.items = append(h.items, r)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]Result(nil), h.items[over:]...)
	}
}

func (h *History) Len() int {
	return len(h.items)
}

// Recent returns up to n results, newest first, optionally filtered by task
// name (case-insensitive).
func (h *History) Recent(task string, n int) []Result {
	var out []Result
	for i := len(h.items) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		r := h.items[i]
		if task != "" && !strings.EqualFold(r.Task, task) {
			continue
		}
		out = append(out, r)
	}
	return out
}
