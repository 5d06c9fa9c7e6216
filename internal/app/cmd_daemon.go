package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"memini/internal/daemon"
	"memini/internal/tools"
	"memini/internal/windows"
)

const resultsShown = 10

func (a *App) cmdDaemon(args string) {
	if a.scheduler == nil {
		a.log.Add(Error, "background tasks are not configured")
		return
	}
	sub, rest := splitArg(args)
	switch sub {
	case "", "list", "ls", "status":
		a.listTasks()
	case "dir":
		dir, err := a.scheduler.Recipes().Ensure()
		if err != nil {
			a.log.Add(Error, fmt.Sprintf("recipe dir: %v", err))
			return
		}
		a.say("Recipe directory: " + dir)
	case "reload":
		a.reloadRecipes()
	case "templates":
		var b strings.Builder
		b.WriteString("Templates:")
		for _, t := range daemon.Templates() {
			fmt.Fprintf(&b, "\n  %-14s every %-6s %s", t.ID, t.Interval, t.Description)
		}
		b.WriteString("\nUse /daemon scaffold <template> [name].")
		a.say(b.String())
	case "scaffold":
		id, name := splitArg(rest)
		if id == "" {
			a.log.Add(Warn, "usage: /daemon scaffold <template> [name]")
			return
		}
		def, err := a.scheduler.Scaffold(id, name)
		if err != nil {
			a.log.Add(Warn, fmt.Sprintf("scaffold: %v", err))
			return
		}
		a.log.Add(Info, fmt.Sprintf("recipe %s written to %s and started", def.Name, def.Path))
	case "start":
		def, err := a.scheduler.StartNamed(rest)
		if err != nil {
			a.log.Add(Warn, fmt.Sprintf("start: %v", err))
			return
		}
		a.log.Add(Info, fmt.Sprintf("daemon %s started (%s)", def.Name, schedule(def)))
	case "stop":
		def, err := a.scheduler.Stop(rest)
		if err != nil {
			a.log.Add(Warn, fmt.Sprintf("stop: %v", err))
			return
		}
		a.log.Add(Info, "daemon "+def.Name+" stopped")
	case "run":
		woke, err := a.scheduler.RunNow(rest)
		if err != nil {
			a.log.Add(Warn, fmt.Sprintf("run: %v", err))
			return
		}
		if woke {
			a.log.Add(Info, "daemon "+rest+" woken")
		} else {
			a.log.Add(Info, "daemon "+rest+" running once")
		}
	case "create", "add":
		a.createTask(rest)
	case "remove", "rm", "delete":
		stopped, path, err := a.scheduler.Remove(rest)
		switch {
		case errors.Is(err, daemon.ErrBuiltinRemove):
			if stopped {
				a.log.Add(Info, "built-in "+rest+" stopped; built-ins cannot be removed")
				return
			}
			a.log.Add(Warn, err.Error())
		case err != nil:
			a.log.Add(Warn, fmt.Sprintf("remove: %v", err))
		case path != "":
			a.log.Add(Info, "recipe removed: "+path)
		default:
			a.log.Add(Info, "daemon "+rest+" stopped")
		}
	case "results", "log":
		a.showResults(rest)
	default:
		a.log.Add(Warn, "usage: /daemon [list|dir|reload|templates|scaffold|start|stop|run|create|remove|results]")
	}
}

func schedule(def daemon.TaskDef) string {
	parts := []string{}
	if def.Paused {
		parts = append(parts, "paused")
	} else {
		iv := def.Interval
		if iv <= 0 {
			iv = daemon.DefaultInterval
		}
		parts = append(parts, "every "+iv.String())
	}
	if def.HasTrigger() {
		parts = append(parts, "on "+def.TriggerSummary())
	}
	return strings.Join(parts, ", ")
}

func (a *App) listTasks() {
	rows, err := a.scheduler.List()
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("some recipes failed to load: %v", err))
	}
	if len(rows) == 0 {
		a.say("No background tasks.")
		return
	}
	var b strings.Builder
	b.WriteString("Background tasks:")
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = "running"
		}
		if r.Shadowed {
			state = "shadowed by built-in"
		}
		fmt.Fprintf(&b, "\n  %-18s %-8s %-8s %s", r.Def.Name, r.Source, state, schedule(r.Def))
	}
	a.say(b.String())
}

// reloadRecipes runs the autostart pass over the recipe dir. Tasks that
// are already running are left alone.
func (a *App) reloadRecipes() {
	started, conflicts, err := a.scheduler.Autostart(false)
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("some recipes failed to load: %v", err))
	}
	for _, name := range conflicts {
		a.log.Add(Warn, fmt.Sprintf("recipe %q skipped: name conflicts with a built-in task", name))
	}
	for _, name := range started {
		a.log.Add(Info, "daemon "+name+" started from recipe")
	}
	a.log.Add(Info, fmt.Sprintf("recipes reloaded; %d started", len(started)))
}

// createTask parses "<name> <interval_secs> <instructions>".
func (a *App) createTask(args string) {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		a.log.Add(Warn, "usage: /daemon create <name> <interval_secs> <instructions>")
		return
	}
	secs, err := strconv.Atoi(fields[1])
	if err != nil || secs <= 0 {
		a.log.Add(Warn, "interval must be a positive number of seconds")
		return
	}
	def, err := a.scheduler.Create(fields[0], time.Duration(secs)*time.Second, strings.Join(fields[2:], " "))
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("create: %v", err))
		return
	}
	a.log.Add(Info, fmt.Sprintf("daemon %s created at %s (%s)", def.Name, def.Path, schedule(def)))
}

func (a *App) showResults(task string) {
	task = strings.TrimSpace(task)
	results := a.history.Recent(task, resultsShown)
	if len(results) == 0 {
		a.say("No daemon results yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Recent daemon results:")
	for _, r := range results {
		body := r.Message
		if r.Err != nil {
			body = "error: " + r.Err.Error()
		}
		trigger := ""
		if r.Trigger != "" {
			trigger = " [" + r.Trigger + "]"
		}
		fmt.Fprintf(&b, "\n\n%s %s%s\n%s", r.At.Format("15:04:05"), r.Task, trigger, strings.TrimSpace(body))
	}
	a.say(b.String())
}

func (a *App) cmdSpawn(args string) {
	sub, rest := splitArg(args)
	switch {
	case sub == "":
		a.log.Add(Warn, "usage: /spawn <prompt> | list | show <id> | remove <id>")
	case (sub == "list" || sub == "ls") && rest == "":
		a.listWindows()
	case sub == "show" && isID(rest):
		a.showWindow(rest)
	case (sub == "remove" || sub == "rm" || sub == "close") && isID(rest):
		id, _ := windows.ParseID(rest)
		if err := a.windows.Remove(id); err != nil {
			a.log.Add(Warn, fmt.Sprintf("remove window: %v", err))
			return
		}
		a.log.Add(Info, fmt.Sprintf("window #%d removed", id))
	default:
		a.spawn(strings.TrimSpace(args))
	}
}

func isID(s string) bool {
	_, err := windows.ParseID(s)
	return err == nil
}

// spawn registers the window before its session starts so the first
// session event always finds it.
func (a *App) spawn(prompt string) {
	if a.spawner == nil {
		a.log.Add(Error, "agent windows are not configured")
		return
	}
	w, start, err := a.spawner.Prepare(tools.SpawnArgs{Prompt: prompt})
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("spawn: %v", err))
		return
	}
	a.windows.Add(w)
	start()
	a.log.Add(Info, fmt.Sprintf("window #%d started: %s", w.ID, w.Label))
}

func (a *App) listWindows() {
	list := a.windows.List()
	if len(list) == 0 {
		a.say("No agent windows. Start one with /spawn <prompt>.")
		return
	}
	var b strings.Builder
	b.WriteString("Agent windows:")
	for _, w := range list {
		fmt.Fprintf(&b, "\n  #%-3d %-8s %-20s %s", w.ID, w.Status, preview(w.Label, 20), preview(w.Prompt, 60))
	}
	a.say(b.String())
}

func (a *App) showWindow(raw string) {
	id, err := windows.ParseID(raw)
	if err != nil {
		a.log.Add(Warn, "usage: /spawn show <id>")
		return
	}
	w, ok := a.windows.Get(id)
	if !ok {
		a.log.Add(Warn, fmt.Sprintf("%v: #%d", windows.ErrUnknownWindow, id))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Window #%d %s (%s, agent %s)\nPrompt: %s", w.ID, w.Label, w.Status, w.Persona, w.Prompt)
	if len(w.Servers) > 0 {
		fmt.Fprintf(&b, "\nServers: %s", strings.Join(w.Servers, ", "))
	}
	if w.CoordinationKey != "" {
		fmt.Fprintf(&b, "\nCoordination key: %s", w.CoordinationKey)
	}
	if len(w.Output) > 0 {
		b.WriteString("\n\n" + strings.Join(w.Output, "\n"))
	}
	if w.Status == windows.WaitingForInput {
		fmt.Fprintf(&b, "\n\nWaiting: %s\nReply with /reply %d <message>", w.PendingQuestion, w.ID)
	}
	a.say(b.String())
}

func (a *App) cmdReply(args string) {
	target, msg := splitArg(args)
	if target == "" || target == "list" {
		var b strings.Builder
		for _, w := range a.windows.List() {
			if w.Status == windows.WaitingForInput {
				fmt.Fprintf(&b, "\n  #%d %s: %s", w.ID, preview(w.Label, 20), preview(w.PendingQuestion, 80))
			}
		}
		if b.Len() == 0 {
			a.say("No windows are waiting for input.")
			return
		}
		a.say("Waiting for input:" + b.String())
		return
	}
	id, err := a.windows.Reply(target, msg)
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("reply: %v", err))
		return
	}
	a.log.Add(Info, fmt.Sprintf("reply sent to window #%d", id))
}
