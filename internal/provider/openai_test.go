package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"memini/internal/chat"
)

func TestConvertMessages(t *testing.T) {
	messages := []chat.Message{
		chat.System("You are a helper"),
		chat.User("hello"),
		{Role: "assistant", Content: "hi", ToolCalls: []chat.ToolCall{
			{ID: "call_1", Type: "function", Function: chat.ToolCallFunction{Name: "spawn_agent", Arguments: `{"prompt":"x"}`}},
		}},
		{Role: "tool", Name: "spawn_agent", ToolCallID: "call_1", Content: `{"status":"spawned"}`},
	}

	converted := convertMessages(messages)
	if len(converted) != 4 {
		t.Fatalf("convertMessages len=%d, want 4", len(converted))
	}
	if converted[0].Role != "system" || converted[0].Content != "You are a helper" {
		t.Fatalf("msg[0] unexpected: %+v", converted[0])
	}
	if len(converted[2].ToolCalls) != 1 || converted[2].ToolCalls[0].Function.Name != "spawn_agent" {
		t.Fatalf("msg[2] tool calls unexpected: %+v", converted[2])
	}
	if converted[3].ToolCallID != "call_1" {
		t.Fatalf("msg[3] ToolCallID=%q, want call_1", converted[3].ToolCallID)
	}
}

func TestConvertTools(t *testing.T) {
	tools := []chat.ToolDef{chat.FunctionTool("collect_results", "Collect", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"coordination_key": map[string]any{"type": "string"},
		},
	})}

	converted := convertTools(tools)
	if len(converted) != 1 {
		t.Fatalf("convertTools len=%d, want 1", len(converted))
	}
	if converted[0].Function.Name != "collect_results" {
		t.Fatalf("tool[0].Name=%q, want collect_results", converted[0].Function.Name)
	}
}

func TestAssembleToolCalls(t *testing.T) {
	byIdx := map[int]*toolCallAccumulator{
		0: {id: "call_abc", typ: "function", name: "workspace_run_command"},
		1: {typ: "function", name: "workspace_read_file"},
	}
	byIdx[0].args.WriteString(`{"command":"ls"}`)

	calls := assembleToolCalls(byIdx)
	if len(calls) != 2 {
		t.Fatalf("assembleToolCalls len=%d, want 2", len(calls))
	}
	if calls[0].Function.Name != "workspace_run_command" || calls[0].ID != "call_abc" {
		t.Fatalf("call[0] unexpected: %+v", calls[0])
	}
	if !strings.HasPrefix(calls[1].ID, "call_") {
		t.Fatalf("call[1].ID=%q, should have call_ prefix", calls[1].ID)
	}
	if calls[1].Function.Arguments != "{}" {
		t.Fatalf("call[1] empty args should default to {}, got %q", calls[1].Function.Arguments)
	}
	if assembleToolCalls(map[int]*toolCallAccumulator{}) != nil {
		t.Fatal("empty accumulator should return nil")
	}
}

func TestOpenAIProviderSetModel(t *testing.T) {
	p := &OpenAIProvider{model: "gpt-4o-mini"}
	if err := p.SetModel("gpt-4o"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if p.CurrentModel() != "gpt-4o" {
		t.Fatalf("CurrentModel()=%q after set, want gpt-4o", p.CurrentModel())
	}
	if err := p.SetModel("  "); err == nil {
		t.Fatal("SetModel blank should error")
	}
}

func TestChatWithoutKey(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{Model: "gpt-4o-mini"})
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []chat.Message{chat.User("hi")}}, nil)
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
	if err := p.SetAPIKey("sk-test"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if !p.HasAPIKey() {
		t.Fatal("HasAPIKey should be true after SetAPIKey")
	}
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestChatStreamsTextAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		writeSSE(w,
			`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"collect_results","arguments":"{\"coordination_key\":"}}]}}]}`,
			`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"k1\"}"}}]},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "m"})
	var chunks []string
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []chat.Message{chat.User("hi")}}, &StreamCallbacks{
		OnTextChunk: func(c string) { chunks = append(chunks, c) },
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "Hello" {
		t.Fatalf("content=%q, want Hello", resp.Content)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks=%v, want 2", chunks)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_9" {
		t.Fatalf("tool calls unexpected: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Function.Arguments != `{"coordination_key":"k1"}` {
		t.Fatalf("arguments=%q", resp.ToolCalls[0].Function.Arguments)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "text-embedding-3-small" {
			http.Error(w, "bad model", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	vec, err := p.Embed(context.Background(), "memory text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("vector=%v", vec)
	}
}

func TestMaskKey(t *testing.T) {
	cases := map[string]string{
		"sk-abcdef1234": "***1234",
		"abc":           "***",
		"":              "***",
	}
	for in, want := range cases {
		if got := MaskKey(in); got != want {
			t.Fatalf("MaskKey(%q)=%q, want %q", in, got, want)
		}
	}
}
