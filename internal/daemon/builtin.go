package daemon

import (
	"strings"
	"time"
)

const (
	DigestTask = "memory-digest"
	WatchTask  = "variable-watch"
)

// Builtins returns the compiled-in tasks. They cannot be removed.
func Builtins() []TaskDef {
	return []TaskDef{
		{
			Name:         DigestTask,
			Description:  "Hourly summary of recent memory traces",
			Persona:      "You are a memory curator. Summarize recent activity into durable, factual notes.",
			Prompt:       "Summarize the recent activity below into a short digest: key decisions, open threads, and anything worth remembering. Reply with an empty message if there is nothing new.",
			Interval:     time.Hour,
			Builtin:      true,
			RecentWindow: time.Hour,
		},
		{
			Name:             WatchTask,
			Description:      "Reacts to updates of watch.* variables",
			Persona:          "You are a variable watcher. Explain what a changed value means and what should happen next.",
			Prompt:           "A watched memory variable changed. Assess the new value and state any follow-up action in two or three sentences.",
			Interval:         time.Hour,
			TriggerEvents:    []string{EventVariableUpdate},
			TriggerVariables: []string{"watch.*"},
			Paused:           true,
			Builtin:          true,
		},
	}
}

// Builtin looks up a built-in task, case-insensitively.
func Builtin(name string) (TaskDef, bool) {
	for _, d := range Builtins() {
		if strings.EqualFold(d.Name, strings.TrimSpace(name)) {
			return d, true
		}
	}
	return TaskDef{}, false
}

func IsBuiltin(name string) bool {
	_, ok := Builtin(name)
	return ok
}
