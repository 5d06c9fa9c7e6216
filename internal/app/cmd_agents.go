package app

import (
	"fmt"
	"strings"

	"memini/internal/persona"
)

func (a *App) cmdAgent(args string) {
	if a.engine == nil {
		return
	}
	sub, rest := splitArg(args)
	switch sub {
	case "", "list", "ls":
		active := a.engine.Persona().Name
		var b strings.Builder
		b.WriteString("Agents:")
		for _, p := range a.personas.All() {
			mark := " "
			if strings.EqualFold(p.Name, active) {
				mark = "*"
			}
			fmt.Fprintf(&b, "\n %s %-14s %s", mark, p.Name, preview(p.Description, 60))
		}
		a.say(b.String())
	case "use", "switch":
		a.usePersona(rest)
	case "create", "new":
		name, desc := splitArg(rest)
		if name == "" || desc == "" {
			a.log.Add(Warn, "usage: /agent create <name> <description>")
			return
		}
		p, err := a.personas.Create(name, desc)
		if err != nil {
			a.log.Add(Warn, fmt.Sprintf("create agent: %v", err))
			return
		}
		a.saveCustom()
		a.log.Add(Info, fmt.Sprintf("agent %s created; switch with /agent use %s", p.Name, p.Name))
	case "delete", "rm":
		name := strings.TrimSpace(rest)
		if err := a.personas.Delete(name); err != nil {
			a.log.Add(Warn, fmt.Sprintf("delete agent: %v", err))
			return
		}
		a.saveCustom()
		a.log.Add(Info, "agent "+name+" deleted")
		if strings.EqualFold(a.engine.Persona().Name, name) {
			a.usePersona(persona.BuiltinName)
		}
	case "info":
		name := strings.TrimSpace(rest)
		if name == "" {
			name = a.engine.Persona().Name
		}
		p, ok := a.personas.Lookup(name)
		if !ok {
			a.log.Add(Warn, fmt.Sprintf("%v: %s", persona.ErrNotFound, name))
			return
		}
		a.say(fmt.Sprintf("%s: %s\n\n%s", p.Name, p.Description, p.Prompt))
	default:
		a.log.Add(Warn, "usage: /agent [list|use <name>|create <name> <description>|delete <name>|info [name]]")
	}
}

func (a *App) usePersona(name string) {
	p, ok := a.personas.Lookup(strings.TrimSpace(name))
	if !ok {
		a.log.Add(Warn, fmt.Sprintf("%v: %s; see /agent list", persona.ErrNotFound, name))
		return
	}
	a.engine.SetPersona(p)
	if a.store != nil {
		if err := persona.SaveActive(a.ctx, a.store, p.Name); err != nil {
			a.log.Add(Warn, fmt.Sprintf("remember active agent: %v", err))
		}
	}
	a.restoreThread()
	a.log.Add(Info, "active agent: "+p.Name)
}

func (a *App) saveCustom() {
	if a.store == nil {
		return
	}
	if err := persona.SaveCustom(a.ctx, a.store, a.personas); err != nil {
		a.log.Add(Warn, fmt.Sprintf("agents not saved: %v", err))
	}
}

func (a *App) restoreThread() {
	if a.store == nil {
		return
	}
	n, err := a.engine.RestoreThread(a.ctx)
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("thread restore failed: %v", err))
		return
	}
	if n > 0 {
		a.log.Add(Info, fmt.Sprintf("restored %d messages", n))
	}
}

func (a *App) cmdThread(args string) {
	if a.engine == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "", "info":
		a.say(fmt.Sprintf("Thread %s: %d messages", a.engine.ThreadID(), a.engine.ThreadLen()))
	case "clear", "reset":
		if a.Busy() {
			a.log.Add(Warn, "wait for the running turn before clearing the thread")
			return
		}
		a.engine.ClearThread()
		if a.store != nil {
			if err := a.store.ClearThread(a.ctx, a.engine.ThreadID()); err != nil {
				a.log.Add(Warn, fmt.Sprintf("stored thread not cleared: %v", err))
			}
		}
		a.log.Add(Info, "thread cleared")
	default:
		a.log.Add(Warn, "usage: /thread [info|clear]")
	}
}

func (a *App) cmdMemory(args string) {
	query := strings.TrimSpace(args)
	if query == "" {
		a.log.Add(Warn, "usage: /memory <query>")
		return
	}
	if a.store == nil {
		return
	}
	limit := a.cfg.Runtime.MemoryLimit
	if limit <= 0 {
		limit = 5
	}
	ctx, store, prov, emit := a.ctx, a.store, a.provider, a.bus.Emit
	go func() {
		var embedding []float32
		if prov != nil && prov.HasAPIKey() {
			// keyword ranking covers a failed embedding
			embedding, _ = prov.Embed(ctx, query)
		}
		entries, err := store.Reminisce(ctx, embedding, limit, query)
		emit(MemoryFound{Query: query, Entries: entries, Err: err})
	}()
}

func (a *App) showMemories(m MemoryFound) {
	if m.Err != nil {
		a.log.Add(Error, fmt.Sprintf("memory search failed: %v", m.Err))
		return
	}
	if len(m.Entries) == 0 {
		a.say(fmt.Sprintf("No memories match %q.", m.Query))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Memories for %q:", m.Query)
	for i, e := range m.Entries {
		fmt.Fprintf(&b, "\n%d. [%s %s %.2f] %s -> %s", i+1, e.CreatedAt.Format("2006-01-02"), e.AgentID, e.Score, preview(e.Input, 60), preview(e.Outcome, 80))
	}
	a.say(b.String())
}

func (a *App) cmdShare(args string) {
	if a.store == nil {
		return
	}
	sub, rest := splitArg(args)
	switch sub {
	case "", "status":
		ws := a.store.Workspace()
		if ws == "" {
			a.say("Not in a shared workspace. Join one with /share join <name>.")
			return
		}
		a.say("Shared workspace: " + ws)
	case "join":
		if a.Busy() {
			a.log.Add(Warn, "wait for the running turn before switching workspace")
			return
		}
		if err := a.store.JoinWorkspace(a.ctx, rest); err != nil {
			a.log.Add(Warn, fmt.Sprintf("join workspace: %v", err))
			return
		}
		a.switchedWorkspace()
	case "leave":
		if a.Busy() {
			a.log.Add(Warn, "wait for the running turn before switching workspace")
			return
		}
		if err := a.store.LeaveWorkspace(a.ctx); err != nil {
			a.log.Add(Warn, fmt.Sprintf("leave workspace: %v", err))
			return
		}
		a.switchedWorkspace()
	default:
		a.log.Add(Warn, "usage: /share [join <name>|leave|status]")
	}
}

func (a *App) switchedWorkspace() {
	if a.engine != nil {
		a.engine.ClearThread()
		a.restoreThread()
	}
	ws := a.store.Workspace()
	if ws == "" {
		ws = "private"
	}
	a.log.Add(Info, "workspace: "+ws)
}
