package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"memini/internal/config"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type greetInput struct {
	Name string `json:"name"`
}

type failInput struct {
	Reason string `json:"reason,omitempty"`
}

func newToolServer(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()
	srv := sdk.NewServer(&sdk.Implementation{Name: "fixture", Version: "v0.0.1"}, nil)
	sdk.AddTool(srv, &sdk.Tool{Name: "greet", Description: "Say hello"},
		func(_ context.Context, _ *sdk.CallToolRequest, in greetInput) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: "hello " + in.Name}}}, nil, nil
		})
	sdk.AddTool(srv, &sdk.Tool{Name: "fail", Description: "Always fails"},
		func(_ context.Context, _ *sdk.CallToolRequest, _ failInput) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: "boom"}}}, nil, nil
		})
	handler := sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return srv }, nil)

	var mu sync.Mutex
	var lastAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lastAuth = r.Header.Get("Authorization")
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, func() string {
		mu.Lock()
		defer mu.Unlock()
		return lastAuth
	}
}

func TestPoolConnectListCall(t *testing.T) {
	ts, lastAuth := newToolServer(t)
	pool := NewPool("test", 10*time.Second)
	defer pool.Close()

	ctx := context.Background()
	tools, err := pool.Connect(ctx, config.MCPServerConfig{ID: "fx", URL: ts.URL}, "secret")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "fail" || tools[1].Name != "greet" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if tools[1].Schema["type"] != "object" {
		t.Fatalf("schema missing type: %+v", tools[1].Schema)
	}
	if got := lastAuth(); got != "Bearer secret" {
		t.Fatalf("authorization header = %q", got)
	}
	if !pool.Connected("fx") || !pool.Any() {
		t.Fatal("pool should report connection")
	}

	out, err := pool.CallTool(ctx, "fx", "greet", json.RawMessage(`{"name":"ada"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "hello ada" {
		t.Fatalf("output = %q", out)
	}

	_, err = pool.CallTool(ctx, "fx", "fail", json.RawMessage(`{}`))
	if !errors.Is(err, ErrToolFailed) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected ErrToolFailed, got %v", err)
	}

	if err := pool.Disconnect("fx"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := pool.CallTool(ctx, "fx", "greet", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := pool.Disconnect("fx"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on second disconnect, got %v", err)
	}
}

func TestPoolConnectFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	pool := NewPool("test", 5*time.Second)
	if _, err := pool.Connect(context.Background(), config.MCPServerConfig{ID: "x", URL: ts.URL}, ""); err == nil {
		t.Fatal("expected connect error")
	}
	if pool.Any() {
		t.Fatal("failed connect must not register a connection")
	}
}
