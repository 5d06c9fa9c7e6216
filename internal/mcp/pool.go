// Package mcp keeps connections to remote tool servers speaking the Model
// Context Protocol over streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"memini/internal/config"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	ErrNotConnected = errors.New("tool server not connected")
	ErrToolFailed   = errors.New("remote tool reported an error")
)

const maxToolOutput = 12000

// ToolInfo describes one tool offered by a connected server.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	Schema      map[string]any
}

// Status is a point-in-time view of one connection.
type Status struct {
	ID          string
	URL         string
	Tools       int
	ConnectedAt time.Time
}

type conn struct {
	id          string
	url         string
	session     *sdk.ClientSession
	tools       []ToolInfo
	connectedAt time.Time
}

// Pool holds open client sessions keyed by server id. Safe for concurrent use.
type Pool struct {
	client  *sdk.Client
	timeout time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewPool(version string, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Pool{
		client:  sdk.NewClient(&sdk.Implementation{Name: "memini", Version: version}, nil),
		timeout: timeout,
		conns:   map[string]*conn{},
	}
}

// Connect opens a session to server, lists its tools and replaces any
// previous connection with the same id.
func (p *Pool) Connect(ctx context.Context, server config.MCPServerConfig, bearer string) ([]ToolInfo, error) {
	httpClient := &http.Client{
		Transport: &bearerTransport{token: bearer, base: http.DefaultTransport},
	}
	transport := &sdk.StreamableClientTransport{
		Endpoint:   server.URL,
		HTTPClient: httpClient,
		MaxRetries: 2,
	}
	session, err := p.open(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", server.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	tools, err := listTools(ctx, server.ID, session)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	c := &conn{id: server.ID, url: server.URL, session: session, tools: tools, connectedAt: time.Now()}
	p.mu.Lock()
	old := p.conns[server.ID]
	p.conns[server.ID] = c
	p.mu.Unlock()
	if old != nil {
		_ = old.session.Close()
	}
	return tools, nil
}

// open runs the handshake on a context detached from ctx because the session
// lives on that context; ctx and the pool timeout only bound the wait.
func (p *Pool) open(ctx context.Context, transport sdk.Transport) (*sdk.ClientSession, error) {
	type opened struct {
		session *sdk.ClientSession
		err     error
	}
	ch := make(chan opened, 1)
	go func() {
		session, err := p.client.Connect(context.WithoutCancel(ctx), transport, nil)
		ch <- opened{session, err}
	}()
	closeLate := func() {
		if r := <-ch; r.session != nil {
			_ = r.session.Close()
		}
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.session, r.err
	case <-ctx.Done():
		go closeLate()
		return nil, ctx.Err()
	case <-timer.C:
		go closeLate()
		return nil, fmt.Errorf("handshake timed out after %s", p.timeout)
	}
}

func listTools(ctx context.Context, serverID string, session *sdk.ClientSession) ([]ToolInfo, error) {
	var out []ToolInfo
	params := &sdk.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools on %s: %w", serverID, err)
		}
		for _, t := range res.Tools {
			if t == nil || t.Name == "" {
				continue
			}
			out = append(out, ToolInfo{
				Server:      serverID,
				Name:        t.Name,
				Description: t.Description,
				Schema:      schemaMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			break
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func schemaMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

func (p *Pool) Disconnect(id string) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	delete(p.conns, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return c.session.Close()
}

func (p *Pool) Connected(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[id]
	return ok
}

// Any reports whether at least one server is connected.
func (p *Pool) Any() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns) > 0
}

func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, Status{ID: c.id, URL: c.url, Tools: len(c.tools), ConnectedAt: c.connectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tools returns the tools of the given servers, or of every connected server
// when ids is empty. Unknown ids are skipped.
func (p *Pool) Tools(ids ...string) []ToolInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ToolInfo
	if len(ids) == 0 {
		for _, c := range p.conns {
			out = append(out, c.tools...)
		}
		return out
	}
	for _, id := range ids {
		if c, ok := p.conns[id]; ok {
			out = append(out, c.tools...)
		}
	}
	return out
}

// CallTool invokes a tool and flattens its content to text.
func (p *Pool) CallTool(ctx context.Context, server, name string, args json.RawMessage) (string, error) {
	p.mu.RLock()
	c, ok := p.conns[server]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, server)
	}

	var arguments map[string]any
	if len(args) > 0 && strings.TrimSpace(string(args)) != "" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decode arguments for %s: %w", name, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	res, err := c.session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", name, server, err)
	}
	text := flatten(res)
	if res.IsError {
		return "", fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}

func flatten(res *sdk.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := content.(*sdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			text = string(data)
		}
	}
	if r := []rune(text); len(r) > maxToolOutput {
		text = string(r[:maxToolOutput]) + "...(truncated)"
	}
	return text
}

func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]*conn{}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.session.Close()
	}
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}
