package tui

import (
	"strings"
	"testing"
	"time"

	"memini/internal/app"
	"memini/internal/windows"
)

func TestRenderMarkdown_Basic(t *testing.T) {
	input := "# Hello\n\nThis is **bold** text."
	result := RenderMarkdown(input, 80)
	if result == "" {
		t.Fatal("RenderMarkdown returned empty")
	}
	if !strings.Contains(result, "Hello") {
		t.Fatalf("result should contain 'Hello': %q", result)
	}
}

func TestRenderMarkdown_Empty(t *testing.T) {
	if RenderMarkdown("", 80) != "" {
		t.Fatal("empty input should return empty")
	}
	if RenderMarkdown("  ", 80) != "" {
		t.Fatal("whitespace input should return empty")
	}
}

func TestRenderTranscript(t *testing.T) {
	msgs := []app.Message{
		{Role: "user", Text: "what changed?"},
		{Role: "memini", Text: "No daemon results yet."},
	}
	got := RenderTranscript(msgs, "partial repl", 80, DarkTheme())
	for _, want := range []string{"what changed?", "No daemon results yet.", "partial repl"} {
		if !strings.Contains(got, want) {
			t.Fatalf("transcript missing %q: %q", want, got)
		}
	}
}

func TestRenderWindows(t *testing.T) {
	theme := DarkTheme()
	if got := RenderWindows(nil, theme); !strings.Contains(got, "/spawn") {
		t.Fatalf("empty view = %q", got)
	}
	got := RenderWindows([]windows.Window{
		{ID: 3, Label: "audit", Status: windows.WaitingForInput, Output: []string{"? which branch"}},
		{ID: 4, Label: "docs", Status: windows.Done, Failed: true},
	}, theme)
	for _, want := range []string{"#3", "audit", "/reply 3", "which branch", "failed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("windows view missing %q: %q", want, got)
		}
	}
}

func TestRenderLogLine(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := RenderLogLine(app.LogLine{At: at, Level: app.Warn, Message: "no token"}, DarkTheme())
	if !strings.Contains(got, "05:06:07") || !strings.Contains(got, "WARN") || !strings.Contains(got, "no token") {
		t.Fatalf("log line = %q", got)
	}
}
