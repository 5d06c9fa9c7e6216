package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NeedsInputMarker 子代理需要用户输入时在最终回复末尾输出的标记行前缀
// NeedsInputMarker prefixes the last line of a worker reply that needs the
// user to answer a question before it can continue.
const NeedsInputMarker = "NEEDS_INPUT:"

// TimeLayout is the timestamp format injected into system prompts.
const TimeLayout = "2006-01-02 15:04:05 MST"

const defaultPersona = `You are Memini, an execution-first AI assistant with long-term memory.
You remember earlier conversations through recalled memories and use them when they are relevant.
You deliver concrete, actionable outcomes with minimal back-and-forth.`

const executionStyle = `EXECUTION STYLE
- Act first, then report. Prefer doing the work over describing how it could be done.
- Keep answers concise and information-dense.
- When tools are provided, invoke them through tool_calls only. Never encode tool calls inside message content.
- Reply in the same language as the user unless explicitly asked otherwise.
- Do not invent file contents, command output or tool results.`

const orchestrationRules = `ORCHESTRATION
- Use spawn_agent to delegate independent pieces of work to sub-agents. Give each a short label and a self-contained prompt.
- When several sub-agents work on one goal, give them the same coordination_key.
- Use collect_results with that key to read what finished sub-agents reported. It never waits: an empty list means nobody has finished yet, so answer the user and check again later.
- Use mcp_server on spawn_agent to give a sub-agent access to one connected tool server.
- Do the work yourself when it is small; delegate when it is long-running or parallel.`

const needsInputRule = `NEEDS INPUT
- If you cannot continue without information only the user has, end your reply with exactly one line:
  NEEDS_INPUT: <your question>
- Ask one precise question. Do not use the marker for rhetorical questions or when you can make a reasonable assumption.
- When the user replies, continue the task from where you stopped.`

// DefaultPersona 返回内置 memini 人格，可被 $MEMINI_HOME/prompts/default_persona.md 覆盖
// DefaultPersona returns the built-in memini persona. A non-empty
// default_persona.md in a prompt override directory replaces it.
func DefaultPersona() string {
	return load("default_persona.md", defaultPersona)
}

// CustomPersona builds the persona text for a user-created agent.
func CustomPersona(name, description string) string {
	return fmt.Sprintf("You are %s, a specialized execution-first AI assistant. %s You have long-term memory and should deliver concrete, actionable outcomes with minimal back-and-forth.",
		strings.TrimSpace(name), strings.TrimSpace(description))
}

// DaemonPersona is the default persona for a background task created without one.
func DaemonPersona(name string) string {
	return fmt.Sprintf("You are a background autonomous agent named '%s'. You can use local workspace tools to inspect files, edit files, and run commands. Be concise and action-oriented.", name)
}

// MainChatSystemPrompt 主对话 system prompt：人格 + 时间 + 执行风格 + 编排规则
// MainChatSystemPrompt assembles the orchestrator system prompt.
func MainChatSystemPrompt(persona string, now time.Time, requireTools bool) string {
	toolsLine := "Use memory context and delegated agents to complete tasks autonomously."
	if requireTools {
		toolsLine = "Use connected tools through delegated agents whenever tools are needed."
	}
	return fmt.Sprintf("%s\nCurrent date and time: %s.\n%s\n\n%s\n\n%s",
		strings.TrimSpace(persona), now.Format(TimeLayout), toolsLine,
		load("execution_style.md", executionStyle),
		load("orchestration_rules.md", orchestrationRules))
}

// WorkerSystemPrompt 子代理 / 后台任务 system prompt，包含 NEEDS_INPUT 约定
// WorkerSystemPrompt assembles the prompt for spawned sessions and daemon runs.
func WorkerSystemPrompt(persona string, now time.Time, hasTools bool) string {
	toolsLine := "You may have limited tool access. Still produce final, ready-to-apply outputs."
	if hasTools {
		toolsLine = "You have tool access. Use tools proactively to complete the task fully."
	}
	return fmt.Sprintf("%s\nCurrent date and time: %s.\nYou are a delegated worker agent in a CLI workflow.\n%s\n\n%s\n\n%s",
		strings.TrimSpace(persona), now.Format(TimeLayout), toolsLine,
		load("execution_style.md", executionStyle),
		load("needs_input_rule.md", needsInputRule))
}

// ParseNeedsInput 检查回复最后一个非空行是否为 NEEDS_INPUT 标记
// ParseNeedsInput reports whether the last non-empty line of text is the
// needs-input marker and returns the question and the text before it.
func ParseNeedsInput(text string) (question, body string, ok bool) {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	last := len(lines) - 1
	for last >= 0 && strings.TrimSpace(lines[last]) == "" {
		last--
	}
	if last < 0 {
		return "", "", false
	}
	line := strings.TrimSpace(lines[last])
	if !strings.HasPrefix(strings.ToUpper(line), NeedsInputMarker) {
		return "", "", false
	}
	question = strings.TrimSpace(line[len(NeedsInputMarker):])
	if question == "" {
		return "", "", false
	}
	body = strings.TrimSpace(strings.Join(lines[:last], "\n"))
	return question, body, true
}

// overrideDirs: $MEMINI_PROMPTS_DIR first, then $MEMINI_HOME/prompts (~/Memini/prompts).
func overrideDirs() []string {
	var dirs []string
	if v := strings.TrimSpace(os.Getenv("MEMINI_PROMPTS_DIR")); v != "" {
		dirs = append(dirs, v)
	}
	home := strings.TrimSpace(os.Getenv("MEMINI_HOME"))
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, "Memini")
		}
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, "prompts"))
	}
	return dirs
}

func load(name, bundled string) string {
	for _, dir := range overrideDirs() {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}
	return strings.TrimSpace(bundled)
}
