package contextmgr

import (
	"fmt"
	"strings"

	"memini/internal/memory"
)

const memoryHeader = "Relevant memories from earlier conversations (most relevant first):"

// MemoryContext 把召回的记忆格式化为 system 消息内容，超出预算的条目被丢弃
// MemoryContext formats recalled memories as a system message body, dropping
// entries once the token budget is spent. Returns "" when nothing fits.
func (t *Tokenizer) MemoryContext(entries []memory.Entry, budget int) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(memoryHeader)
	used := t.CountText(memoryHeader)
	kept := 0
	for i, e := range entries {
		line := formatEntry(i+1, e)
		cost := t.CountText(line)
		if budget > 0 && used+cost > budget {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
		used += cost
		kept++
	}
	if kept == 0 {
		return ""
	}
	return b.String()
}

func formatEntry(n int, e memory.Entry) string {
	input := collapse(e.Input, 400)
	outcome := collapse(e.Outcome, 600)
	if e.Action != "" && e.Action != "chat" {
		return fmt.Sprintf("%d. [%s] %s -> %s", n, e.Action, input, outcome)
	}
	return fmt.Sprintf("%d. %s -> %s", n, input, outcome)
}

func collapse(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
