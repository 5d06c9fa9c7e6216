package app

import (
	"strings"
)

// parseCommand splits "/name rest" into the lower-cased name and the rest.
func parseCommand(input string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "/"))
	if rest == "" {
		return "", "", true
	}
	parts := strings.SplitN(rest, " ", 2)
	name = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args, true
}

// splitArg returns the first word of args and the trimmed rest.
func splitArg(args string) (string, string) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", ""
	}
	parts := strings.SplitN(args, " ", 2)
	head := strings.ToLower(parts[0])
	if len(parts) == 1 {
		return head, ""
	}
	return head, strings.TrimSpace(parts[1])
}

var helpText = strings.Join([]string{
	"Chat:",
	"  <text>                 chat turn",
	"  !<text>                chat turn that must use tools",
	"",
	"Agents and memory:",
	"  /agent [list|use <name>|create <name> <description>|delete <name>|info [name]]",
	"  /thread [info|clear]",
	"  /memory <query>",
	"  /share [join <name>|leave|status]",
	"",
	"Windows:",
	"  /spawn <prompt>        start an agent window",
	"  /spawn list | show <id> | remove <id>",
	"  /reply [list]          windows waiting for input",
	"  /reply <id|next> <message>",
	"",
	"Background tasks:",
	"  /daemon [list|dir|reload|templates]",
	"  /daemon start|stop|run|remove <name>",
	"  /daemon create <name> <interval_secs> <instructions>",
	"  /daemon scaffold <template> [name]",
	"  /daemon results [name]",
	"",
	"Tool servers:",
	"  /mcp [list|status]",
	"  /mcp connect <id> | disconnect <id> | tools [id]",
	"  /mcp call <id> <tool> [json]",
	"  /mcp token <id> <bearer>",
	"  /mcp auth <id> | auth-code <id> <code-or-url>",
	"",
	"Model:",
	"  /openai [key <key>|clear|import-env]",
	"  /model [save] [name]",
	"  /tools [on|off]",
	"",
	"  /clear  /help  /quit",
}, "\n")

func (a *App) command(input string) {
	name, args, ok := parseCommand(input)
	if !ok {
		return
	}
	switch name {
	case "", "help", "?":
		a.say(helpText)
	case "quit", "exit", "q":
		a.quit = true
	case "clear":
		a.transcript = nil
		a.log.Clear()
	case "mcp":
		a.cmdMCP(args)
	case "openai":
		a.cmdOpenAI(args)
	case "model":
		a.cmdModel(args)
	case "tools":
		a.cmdTools(args)
	case "agent", "agents":
		a.cmdAgent(args)
	case "thread":
		a.cmdThread(args)
	case "memory", "recall":
		a.cmdMemory(args)
	case "share":
		a.cmdShare(args)
	case "daemon":
		a.cmdDaemon(args)
	case "spawn":
		a.cmdSpawn(args)
	case "reply":
		a.cmdReply(args)
	default:
		a.log.Add(Warn, "unknown command /"+name+"; try /help")
	}
}
