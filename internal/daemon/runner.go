package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"memini/internal/chat"
	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/prompts"
	"memini/internal/provider"
	"memini/internal/tools"
)

// Runner executes one pass of a task. An empty message with a nil error
// means the run had nothing to report.
type Runner interface {
	Run(ctx context.Context, def TaskDef, trigger *Event) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, def TaskDef, trigger *Event) (string, error)

func (f RunnerFunc) Run(ctx context.Context, def TaskDef, trigger *Event) (string, error) {
	return f(ctx, def, trigger)
}

// AgentRunner runs a task as a tool-using agent and commits the outcome to
// memory.
type AgentRunner struct {
	Provider provider.Provider
	Store    memory.Store
	// Pool may be nil when no tool server is configured.
	Pool engine.Pool
	// Local is the unattended local tool set.
	Local    *tools.Registry
	MaxLoops int
	Now      func() time.Time
	Logger   *slog.Logger
}

func (r *AgentRunner) Run(ctx context.Context, def TaskDef, trigger *Event) (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	local, remote := r.toolsFor(def)
	catalog := tools.NewCatalog(remote, local, false)

	var b strings.Builder
	b.WriteString(def.Prompt)
	if trigger != nil {
		fmt.Fprintf(&b, "\n\nTriggered by %s", trigger.Type)
		if trigger.Variable != "" {
			fmt.Fprintf(&b, " on %s = %q", trigger.Variable, trigger.Value)
		}
		b.WriteString(".")
	}
	if def.RecentWindow > 0 {
		traces, err := r.Store.RecentTraces(ctx, now().Add(-def.RecentWindow), 50)
		if err != nil {
			return "", fmt.Errorf("recent traces: %w", err)
		}
		if len(traces) == 0 {
			return "", nil
		}
		b.WriteString("\n\nRecent activity:")
		for _, t := range traces {
			fmt.Fprintf(&b, "\n- [%s] %s -> %s", t.CreatedAt.Format(prompts.TimeLayout), oneLine(t.Input, 200), oneLine(t.Outcome, 300))
		}
	}

	msgs := []chat.Message{
		chat.System(prompts.WorkerSystemPrompt(def.Persona, now(), !catalog.Empty())),
		chat.User(b.String()),
	}
	loop := &engine.Loop{Provider: r.Provider, MaxLoops: r.MaxLoops}
	d := engine.Dispatch{Catalog: catalog}
	if r.Pool != nil {
		d.Remote = r.Pool
	}
	out, err := loop.Run(ctx, msgs, d)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", nil
	}
	if err := r.Store.CommitTrace(ctx, memory.Trace{
		Input:   def.Prompt,
		Outcome: text,
		Action:  "daemon:" + def.Name,
		AgentID: def.Name,
	}); err != nil && r.Logger != nil {
		r.Logger.Warn("daemon trace commit failed", "task", def.Name, "err", err)
	}
	return text, nil
}

// toolsFor maps a task's tool list: "local" is every local tool, "mcp" every
// connected server, "mcp:<id>" one server, anything else a local tool name.
func (r *AgentRunner) toolsFor(def TaskDef) (*tools.Registry, []mcp.ToolInfo) {
	var names, servers []string
	allLocal, allRemote := false, false
	for _, t := range def.Tools {
		t = strings.TrimSpace(t)
		switch {
		case strings.EqualFold(t, "local"):
			allLocal = true
		case strings.EqualFold(t, "mcp"):
			allRemote = true
		case strings.HasPrefix(strings.ToLower(t), "mcp:"):
			servers = append(servers, strings.TrimSpace(t[len("mcp:"):]))
		case t != "":
			names = append(names, t)
		}
	}
	local := r.Local.Subset(names...)
	if allLocal {
		local = r.Local
	}
	var remote []mcp.ToolInfo
	if r.Pool != nil {
		switch {
		case allRemote:
			remote = r.Pool.Tools()
		case len(servers) > 0:
			remote = r.Pool.Tools(servers...)
		}
	}
	return local, remote
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
