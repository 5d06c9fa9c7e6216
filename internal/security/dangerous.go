package security

import (
	"regexp"
	"strings"
)

var riskyCommandPattern = regexp.MustCompile(`(^|[\s;&|()])(rm|mv|chmod|chown|dd|mkfs|shutdown|reboot|sudo|kill|killall)([\s;&|()]|$)`)

var pipeToShellPattern = regexp.MustCompile(`\|\s*(sh|bash|zsh)(\s|$)`)

// CommandRisk is the result of a static look at a shell command line.
type CommandRisk struct {
	Risky  bool
	Reason string
}

// AnalyzeCommand flags commands that are destructive or cannot be inspected
// statically. Unattended runs refuse risky commands.
func AnalyzeCommand(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	switch {
	case trimmed == "":
		return CommandRisk{}
	case strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`"):
		return CommandRisk{Risky: true, Reason: "contains command substitution"}
	case !balancedQuotes(trimmed):
		return CommandRisk{Risky: true, Reason: "unbalanced quotes"}
	case pipeToShellPattern.MatchString(trimmed):
		return CommandRisk{Risky: true, Reason: "pipes into a shell"}
	case riskyCommandPattern.MatchString(trimmed):
		return CommandRisk{Risky: true, Reason: "matches destructive command list"}
	}
	return CommandRisk{}
}

func balancedQuotes(s string) bool {
	var inSingle, inDouble, escaped bool
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		}
	}
	return !inSingle && !inDouble && !escaped
}
