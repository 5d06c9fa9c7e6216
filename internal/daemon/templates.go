package daemon

import (
	"strings"
	"time"
)

// Template is a starting point for /daemon scaffold.
type Template struct {
	ID           string
	Description  string
	Interval     time.Duration
	Tools        []string
	Persona      string
	Instructions string
}

var templates = []Template{
	{
		ID:           "repo-watch",
		Description:  "Track repo state, test failures, and unfinished work.",
		Interval:     1800 * time.Second,
		Tools:        []string{"workspace_list_files", "workspace_read_file", "workspace_run_command"},
		Persona:      "You are a repository watchdog agent. Focus on risky changes, broken tests, and unfinished tasks.",
		Instructions: "Inspect the repository, run quick verification commands, and summarize what changed, what failed, and what to do next.",
	},
	{
		ID:           "release-notes",
		Description:  "Draft concise release notes from recent source changes.",
		Interval:     3600 * time.Second,
		Tools:        []string{"workspace_read_file", "workspace_run_command"},
		Persona:      "You are a release-notes agent. Produce concise, accurate, developer-facing notes.",
		Instructions: "Analyze recent project changes and draft release notes with sections: Added, Changed, Fixed, and Follow-ups.",
	},
	{
		ID:           "cleanup",
		Description:  "Find stale files and suggest safe cleanup actions.",
		Interval:     7200 * time.Second,
		Tools:        []string{"workspace_list_files", "workspace_read_file", "workspace_run_command"},
		Persona:      "You are a codebase cleanup agent. Prefer safe, incremental improvements.",
		Instructions: "Scan for stale artifacts, dead scripts, and obvious cleanup opportunities. Propose a prioritized cleanup plan.",
	},
}

func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

func TemplateByID(id string) (Template, bool) {
	for _, t := range templates {
		if strings.EqualFold(t.ID, strings.TrimSpace(id)) {
			return t, true
		}
	}
	return Template{}, false
}

// Recipe turns the template into an auto-starting recipe named name, or the
// template id when name is empty.
func (t Template) Recipe(name string) Recipe {
	if strings.TrimSpace(name) == "" {
		name = t.ID
	}
	return Recipe{
		Name:         name,
		Description:  t.Description,
		Interval:     t.Interval,
		AutoStart:    true,
		Tools:        append([]string(nil), t.Tools...),
		Persona:      t.Persona,
		Instructions: t.Instructions,
	}
}
