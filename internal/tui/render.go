package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"memini/internal/app"
	"memini/internal/windows"
)

var (
	rendererMu sync.Mutex
	renderers  = map[int]*glamour.TermRenderer{}
)

// RenderMarkdown 使用 Glamour 渲染 markdown 文本，渲染器按宽度缓存
// RenderMarkdown renders markdown text using Glamour; renderers are cached per width
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	rendererMu.Lock()
	defer rendererMu.Unlock()
	r, ok := renderers[width]
	if !ok {
		var err error
		r, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content
		}
		renderers[width] = r
	}

	rendered, err := r.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimRight(rendered, "\n")
}

// RenderTranscript 渲染聊天记录
// RenderTranscript renders the chat transcript plus any streaming reply
func RenderTranscript(msgs []app.Message, streaming string, width int, theme Theme) string {
	var parts []string
	for _, m := range msgs {
		switch m.Role {
		case "user":
			parts = append(parts, theme.UserStyle.Render("> ")+m.Text)
		case "assistant":
			parts = append(parts, RenderMarkdown(m.Text, width))
		default:
			parts = append(parts, theme.SystemStyle.Render(m.Text))
		}
	}
	if streaming != "" {
		parts = append(parts, streaming)
	}
	return strings.Join(parts, "\n\n")
}

// RenderLogLine 按级别着色
// RenderLogLine colors one activity-log line by level
func RenderLogLine(l app.LogLine, theme Theme) string {
	prefix := fmt.Sprintf("%s %-5s ", l.At.Format("15:04:05"), l.Level)
	switch l.Level {
	case app.Error:
		return theme.ErrorStyle.Render(prefix) + l.Message
	case app.Warn:
		return theme.WarnStyle.Render(prefix) + l.Message
	default:
		return theme.MutedStyle.Render(prefix) + l.Message
	}
}

// RenderWindows 渲染窗口列表，等待输入的窗口展开问题
// RenderWindows lists agent windows; waiting ones show their question
func RenderWindows(list []windows.Window, theme Theme) string {
	if len(list) == 0 {
		return theme.MutedStyle.Render("  No agent windows. Start one with /spawn <prompt>")
	}
	var b strings.Builder
	for _, w := range list {
		status := w.Status.String()
		switch w.Status {
		case windows.Thinking:
			status = theme.ThinkingStyle.Render(status)
		case windows.WaitingForInput:
			status = theme.WaitingStyle.Render(status)
		default:
			if w.Failed {
				status = theme.ErrorStyle.Render("failed")
			} else {
				status = theme.SuccessStyle.Render(status)
			}
		}
		fmt.Fprintf(&b, "#%d %s %s\n", w.ID, status, theme.TitleStyle.Render(w.Label))
		tail := w.Output
		if len(tail) > 6 {
			tail = tail[len(tail)-6:]
		}
		for _, line := range tail {
			b.WriteString("   " + line + "\n")
		}
		if w.Status == windows.WaitingForInput {
			fmt.Fprintf(&b, "   /reply %d <message>\n", w.ID)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
