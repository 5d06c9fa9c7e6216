package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"memini/internal/config"
	"memini/internal/contextmgr"
	"memini/internal/daemon"
	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/oauth"
	"memini/internal/persona"
	"memini/internal/provider"
	"memini/internal/windows"
)

type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	key     string
	model   string
}

func (p *scriptedProvider) Chat(_ context.Context, _ provider.ChatRequest, cb *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return provider.ChatResponse{}, errors.New("no scripted reply")
	}
	text := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	if cb != nil && cb.OnTextChunk != nil {
		cb.OnTextChunk(text)
	}
	return provider.ChatResponse{Content: text, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("no embeddings")
}

func (p *scriptedProvider) CurrentModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == "" {
		return "scripted"
	}
	return p.model
}

func (p *scriptedProvider) SetModel(m string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = m
	return nil
}

func (p *scriptedProvider) SetAPIKey(k string) error {
	if k == "" {
		return errors.New("empty key")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = k
	return nil
}

func (p *scriptedProvider) HasAPIKey() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key != ""
}

type fakePool struct {
	mu      sync.Mutex
	bearers map[string]string
	tools   []mcp.ToolInfo
	err     error
}

func (f *fakePool) Connect(_ context.Context, s config.MCPServerConfig, bearer string) ([]mcp.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.bearers == nil {
		f.bearers = map[string]string{}
	}
	f.bearers[s.ID] = bearer
	return f.tools, nil
}

func (f *fakePool) bearer(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bearers[id]
	return b, ok
}

func (f *fakePool) Disconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bearers, id)
	return nil
}

func (f *fakePool) Connected(id string) bool {
	_, ok := f.bearer(id)
	return ok
}

func (f *fakePool) Any() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bearers) > 0
}

func (f *fakePool) Statuses() []mcp.Status { return nil }

func (f *fakePool) Tools(...string) []mcp.ToolInfo { return nil }

func (f *fakePool) CallTool(context.Context, string, string, json.RawMessage) (string, error) {
	return "ok", nil
}

type harness struct {
	app   *App
	prov  *scriptedProvider
	pool  *fakePool
	store memory.Store
	creds *mcp.Credentials
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewSQLiteStore(filepath.Join(dir, "memini.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	creds, err := mcp.LoadCredentials(filepath.Join(dir, mcp.CredentialsFile))
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	cfg := config.Default()
	cfg.Daemon.Autostart = false
	cfg.Daemon.Watch = false
	cfg.MCP.Servers = []config.MCPServerConfig{{ID: "docs", URL: "http://127.0.0.1:1/mcp"}}

	prov := &scriptedProvider{replies: replies, key: "sk-test"}
	pool := &fakePool{}
	bus := NewBus(64)
	eng := engine.New(prov, store, pool, &contextmgr.Tokenizer{}, nil, nil, engine.Settings{MaxToolLoops: 3, MemoryLimit: 3, MaxThreadMessages: 20}, nil)
	coord := windows.NewCoordination()
	spawner := &windows.Spawner{Provider: prov, Pool: pool, Coordination: coord, Emit: bus.Emit, MaxLoops: 3, MaxThreadMessages: 20}
	sched := daemon.NewScheduler(daemon.RunnerFunc(func(context.Context, daemon.TaskDef, *daemon.Event) (string, error) {
		return "tick", nil
	}), daemon.NewRecipeDir(filepath.Join(dir, "agents")), bus.Emit, nil)

	a := New(Deps{
		Config:      &cfg,
		Provider:    prov,
		Store:       store,
		Engine:      eng,
		Pool:        pool,
		Credentials: creds,
		Windows:     windows.NewManager(coord),
		Spawner:     spawner,
		Scheduler:   sched,
		Personas:    persona.NewBook(nil),
		Bus:         bus,
		ProjectDir:  dir,
	})
	t.Cleanup(a.Shutdown)
	return &harness{app: a, prov: prov, pool: pool, store: store, creds: creds}
}

// waitFor drains the bus until cond holds.
func waitFor(t *testing.T, a *App, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a.Drain()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; logs: %v", what, a.Logs())
}

func lastSaid(a *App) string {
	for i := len(a.transcript) - 1; i >= 0; i-- {
		if a.transcript[i].Role == "memini" {
			return a.transcript[i].Text
		}
	}
	return ""
}

func logged(a *App, level Level, substr string) bool {
	for _, l := range a.Logs() {
		if l.Level == level && strings.Contains(l.Message, substr) {
			return true
		}
	}
	return false
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in         string
		name, args string
		ok         bool
	}{
		{"/help", "help", "", true},
		{"  /MCP  auth docs ", "mcp", "auth docs", true},
		{"/", "", "", true},
		{"hello", "", "", false},
		{"/reply next  use main", "reply", "next  use main", true},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Fatalf("parseCommand(%q) = %q, %q, %v", tt.in, name, args, ok)
		}
	}
}

func TestLogKeepsLastEntries(t *testing.T) {
	l := NewLog(nil)
	for i := 0; i < MaxLogs+5; i++ {
		l.Add(Info, "line")
	}
	l.Add(Error, "last")
	if l.Len() != MaxLogs {
		t.Fatalf("len = %d, want %d", l.Len(), MaxLogs)
	}
	tail := l.Tail(1)
	if tail[0].Message != "last" || tail[0].Level.String() != "ERROR" {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestBusEmitAfterCloseReturns(t *testing.T) {
	b := NewBus(1)
	b.Emit(Notice{Message: "fills the buffer"})
	b.Close()
	done := make(chan struct{})
	go func() {
		b.Emit(Notice{Message: "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked after Close")
	}
}

func TestChatTurnRunsInBackground(t *testing.T) {
	h := newHarness(t, "hello back")
	h.app.Submit("hello")
	waitFor(t, h.app, "turn end", func() bool {
		tr := h.app.Transcript()
		return len(tr) == 2 && tr[1].Role == "assistant"
	})
	tr := h.app.Transcript()
	if tr[0].Text != "hello" || tr[1].Text != "hello back" {
		t.Fatalf("transcript = %+v", tr)
	}
	if h.app.Streaming() != "" {
		t.Fatalf("streaming buffer not reset: %q", h.app.Streaming())
	}
}

func TestToolTurnWithoutConnectionWarns(t *testing.T) {
	h := newHarness(t, "unused")
	h.app.Submit("!list my repos")
	waitFor(t, h.app, "warning", func() bool {
		return logged(h.app, Warn, "no active MCP connection")
	})
}

func TestChatTurnNeedsKey(t *testing.T) {
	h := newHarness(t, "unused")
	h.prov.key = ""
	h.app.Submit("hello")
	if !logged(h.app, Warn, "/openai key") {
		t.Fatalf("missing key hint; logs: %v", h.app.Logs())
	}
	if len(h.app.Transcript()) != 0 {
		t.Fatal("turn should not start without a key")
	}
}

func TestSpawnReplyAndFinish(t *testing.T) {
	h := newHarness(t, "checked the repo\nNEEDS_INPUT: which branch?", "main is clean")
	h.app.Submit("/spawn check the repo")
	waitFor(t, h.app, "question", func() bool {
		_, _, waiting, _ := counts(h.app)
		return waiting == 1
	})

	h.app.Submit("/reply list")
	if !strings.Contains(lastSaid(h.app), "which branch?") {
		t.Fatalf("reply list = %q", lastSaid(h.app))
	}
	h.app.Submit("/reply next main")
	waitFor(t, h.app, "done", func() bool {
		_, _, _, done := counts(h.app)
		return done == 1
	})
	w := h.app.Windows()[0]
	if w.Result != "main is clean" {
		t.Fatalf("result = %q", w.Result)
	}

	h.app.Submit("/reply 1 again")
	if !logged(h.app, Warn, windows.ErrNotWaiting.Error()) {
		t.Fatalf("expected not-waiting warning; logs: %v", h.app.Logs())
	}
}

func counts(a *App) (int, int, int, int) {
	st := a.Status()
	return st.Thinking + st.Waiting + st.Done, st.Thinking, st.Waiting, st.Done
}

func TestReplyWithoutWindows(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/reply next hi")
	if !logged(h.app, Warn, windows.ErrNoWaitingWindow.Error()) {
		t.Fatalf("logs: %v", h.app.Logs())
	}
	h.app.Submit("/reply 7 hi")
	if !logged(h.app, Warn, windows.ErrUnknownWindow.Error()) {
		t.Fatalf("logs: %v", h.app.Logs())
	}
}

func TestTokenCommandPersistsAndConnects(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/mcp token docs secret-9876")
	waitFor(t, h.app, "connect", func() bool { return h.pool.Connected("docs") })

	if got, _ := h.pool.bearer("docs"); got != "secret-9876" {
		t.Fatalf("bearer = %q", got)
	}
	if got := h.creds.Token("docs"); got != "secret-9876" {
		t.Fatalf("cached token = %q", got)
	}
	reloaded, err := mcp.LoadCredentials(h.creds.Path())
	if err != nil || reloaded.Token("docs") != "secret-9876" {
		t.Fatalf("credentials file: %v %q", err, reloaded.Token("docs"))
	}
	v, ok, err := h.store.GetVariable(context.Background(), mcp.TokenVar("docs"))
	if err != nil || !ok || v != "secret-9876" {
		t.Fatalf("memory token = %q %v %v", v, ok, err)
	}
	waitFor(t, h.app, "active server", func() bool {
		v, ok, _ := h.store.GetVariable(context.Background(), ActiveMCPVar)
		return ok && v == "docs"
	})
	for _, l := range h.app.Logs() {
		if strings.Contains(l.Message, "secret-9876") {
			t.Fatalf("token leaked into log: %q", l.Message)
		}
	}
}

func TestOAuthGrantPersistsAndConnects(t *testing.T) {
	h := newHarness(t)
	flow, _ := h.app.oauth.Begin(context.Background())
	h.app.Apply(oauth.Event{
		Kind:     oauth.EventGranted,
		ServerID: "docs",
		Flow:     flow,
		Manual:   true,
		Grant:    &oauth.Grant{ServerID: "docs", AccessToken: "at-1", RefreshToken: "rt-1", ClientID: "cid-1"},
	})
	if h.app.oauth.Phase() != oauth.PhaseManuallyCompleted {
		t.Fatalf("phase = %s", h.app.oauth.Phase())
	}
	if h.creds.Token("docs") != "at-1" || h.creds.RefreshToken("docs") != "rt-1" || h.creds.ClientID("docs") != "cid-1" {
		t.Fatalf("credentials = %+v", h.creds)
	}
	for name, want := range map[string]string{
		mcp.TokenVar("docs"):   "at-1",
		mcp.RefreshVar("docs"): "rt-1",
		mcp.ClientVar("docs"):  "cid-1",
	} {
		v, ok, err := h.store.GetVariable(context.Background(), name)
		if err != nil || !ok || v != want {
			t.Fatalf("%s = %q %v %v", name, v, ok, err)
		}
	}
	waitFor(t, h.app, "connect", func() bool {
		b, ok := h.pool.bearer("docs")
		return ok && b == "at-1"
	})

	// the browser callback for the same flow arrives late
	h.app.Apply(oauth.Event{
		Kind:     oauth.EventGranted,
		ServerID: "docs",
		Flow:     flow,
		Grant:    &oauth.Grant{ServerID: "docs", AccessToken: "at-2", RefreshToken: "rt-2", ClientID: "cid-1"},
	})
	if h.creds.Token("docs") != "at-1" {
		t.Fatalf("late grant persisted: %q", h.creds.Token("docs"))
	}
}

func TestOAuthBrowserFailureLogsURL(t *testing.T) {
	h := newHarness(t)
	flow, _ := h.app.oauth.Begin(context.Background())
	pending := &oauth.Pending{ServerID: "docs", State: "s1", AuthURL: "https://auth.example/authorize?state=s1"}
	h.app.Apply(oauth.Event{Kind: oauth.EventPrepared, ServerID: "docs", Flow: flow, Pending: pending})
	h.app.Apply(oauth.Event{Kind: oauth.EventBrowserFailed, ServerID: "docs", Flow: flow, Pending: pending, Err: errors.New("no display")})
	if !logged(h.app, Warn, "browser did not open (no display); visit "+pending.AuthURL) {
		t.Fatalf("logs: %v", h.app.Logs())
	}
	if h.app.oauth.Phase() != oauth.PhaseAwaitingCallback {
		t.Fatalf("phase = %s", h.app.oauth.Phase())
	}
}

func TestStaleOAuthEventIgnored(t *testing.T) {
	h := newHarness(t)
	h.app.oauth.Begin(context.Background())
	h.app.Apply(oauth.Event{Kind: oauth.EventGranted, ServerID: "docs", Flow: "old", Grant: &oauth.Grant{ServerID: "docs", AccessToken: "stale"}})
	if h.creds.Token("docs") != "" {
		t.Fatal("stale grant was persisted")
	}
}

func TestAuthCodeWithoutPendingFlow(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/mcp auth-code docs abc")
	if !logged(h.app, Warn, oauth.ErrNoPendingFlow.Error()) {
		t.Fatalf("logs: %v", h.app.Logs())
	}
}

func TestOpenAIKeyIsMasked(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/openai key sk-live-abcd4321")
	if h.prov.key != "sk-live-abcd4321" {
		t.Fatalf("provider key = %q", h.prov.key)
	}
	v, ok, _ := h.store.GetVariable(context.Background(), OpenAIKeyVar)
	if !ok || v != "sk-live-abcd4321" {
		t.Fatalf("stored key = %q", v)
	}
	if !logged(h.app, Info, "***4321") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
	h.app.Submit("/openai")
	if strings.Contains(lastSaid(h.app), "abcd4321") {
		t.Fatalf("status shows the key: %q", lastSaid(h.app))
	}
}

func TestDaemonResultsAreKept(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.app.Apply(daemon.Result{ID: "1", Task: "memory-digest", Message: "digest one", At: at})
	h.app.Apply(daemon.Result{ID: "2", Task: "repo-watch", Err: errors.New("boom"), At: at})
	h.app.Submit("/daemon results memory-digest")
	out := lastSaid(h.app)
	if !strings.Contains(out, "digest one") || strings.Contains(out, "boom") {
		t.Fatalf("results = %q", out)
	}
	if !logged(h.app, Error, "repo-watch failed") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
}

func TestDaemonCreateAndList(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/daemon create nightly 30 summarize the day")
	if !logged(h.app, Info, "daemon nightly created") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
	h.app.Submit("/daemon list")
	out := lastSaid(h.app)
	if !strings.Contains(out, "nightly") || !strings.Contains(out, "every 30s") {
		t.Fatalf("list = %q", out)
	}
	h.app.Submit("/daemon create NIGHTLY 10 again")
	if !logged(h.app, Warn, daemon.ErrAlreadyRunning.Error()) {
		t.Fatalf("duplicate not rejected; logs: %v", h.app.Logs())
	}
}

func TestDaemonCreateIntervalIsSeconds(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/daemon create pulse 5 check things")
	var got time.Duration
	for _, def := range h.app.scheduler.RunningDefs() {
		if def.Name == "pulse" {
			got = def.Interval
		}
	}
	if got != 5*time.Second {
		t.Fatalf("interval = %v, want 5s; logs: %v", got, h.app.Logs())
	}
	h.app.Submit("/daemon create slow 0 nothing")
	if !logged(h.app, Warn, "positive number of seconds") || h.app.scheduler.Running("slow") {
		t.Fatalf("zero interval accepted; logs: %v", h.app.Logs())
	}
}

func TestRecipeChangeStartsNewAutoStartRecipes(t *testing.T) {
	h := newHarness(t)
	dir, err := h.app.scheduler.Recipes().Ensure()
	if err != nil {
		t.Fatalf("recipe dir: %v", err)
	}
	files := map[string]string{
		"fresh.md":  "---\nauto_start: true\ninterval_secs: 60\n---\nwatch the inbox\n",
		"manual.md": "---\nauto_start: false\n---\nonly on demand\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	h.app.Apply(daemon.RecipesChanged{Files: []string{"fresh.md", "manual.md"}})
	if !h.app.scheduler.Running("fresh") {
		t.Fatalf("fresh not started; logs: %v", h.app.Logs())
	}
	if h.app.scheduler.Running("manual") {
		t.Fatal("manual recipe started without auto_start")
	}
	if !logged(h.app, Info, "daemon fresh started from recipe") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
}

func TestAgentCreateUseDelete(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/agent create reviewer Reviews diffs carefully")
	h.app.Submit("/agent use reviewer")
	if got := h.app.Status().Persona; got != "reviewer" {
		t.Fatalf("persona = %q", got)
	}
	h.app.Submit("/agent delete reviewer")
	if got := h.app.Status().Persona; got != persona.BuiltinName {
		t.Fatalf("persona after delete = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/frobnicate")
	if !logged(h.app, Warn, "unknown command /frobnicate") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
	h.app.Submit("/quit")
	if !h.app.ShouldQuit() {
		t.Fatal("quit not set")
	}
}

func TestLogSince(t *testing.T) {
	l := NewLog(nil)
	l.Add(Info, "a")
	l.Add(Info, "b")
	lines, mark := l.Since(0)
	if len(lines) != 2 || mark != 2 {
		t.Fatalf("since 0 = %v, %d", lines, mark)
	}
	l.Add(Warn, "c")
	lines, mark = l.Since(mark)
	if len(lines) != 1 || lines[0].Message != "c" || mark != 3 {
		t.Fatalf("since 2 = %v, %d", lines, mark)
	}
	l.Clear()
	if lines, _ := l.Since(2); len(lines) != 0 {
		t.Fatalf("cleared log returned %v", lines)
	}
}

func TestModelSaveWritesProjectConfig(t *testing.T) {
	h := newHarness(t)
	h.app.Submit("/model save gpt-4.1-mini")
	if got := h.prov.CurrentModel(); got != "gpt-4.1-mini" {
		t.Fatalf("model = %q", got)
	}
	data, err := os.ReadFile(filepath.Join(h.app.projectDir, ".memini.json"))
	if err != nil {
		t.Fatalf("project config not written: %v", err)
	}
	var out struct {
		Provider struct {
			Model string `json:"model"`
		} `json:"provider"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Provider.Model != "gpt-4.1-mini" {
		t.Fatalf("config = %s (%v)", data, err)
	}

	h.app.Submit("/model gpt-4o")
	if !logged(h.app, Info, "model set to gpt-4o") {
		t.Fatalf("logs: %v", h.app.Logs())
	}
}
