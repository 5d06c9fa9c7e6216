// Package app is the foreground state of memini. One loop (the TUI tick or
// the line-mode select) owns an App: it submits user input and drains the
// update bus. Background work never touches App directly.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"memini/internal/config"
	"memini/internal/daemon"
	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/oauth"
	"memini/internal/persona"
	"memini/internal/provider"
	"memini/internal/tools"
	"memini/internal/windows"
)

// Memory-store variables owned by the foreground.
const (
	OpenAIKeyVar = "openai_api_key"
	ActiveMCPVar = "active_mcp"

	variableSource = "memini"
)

var ErrUnknownServer = errors.New("unknown MCP server")

// Provider is the LLM client plus the key management the commands need.
type Provider interface {
	provider.Provider
	SetAPIKey(key string) error
	HasAPIKey() bool
}

// Pool is the connection pool as the commands use it.
type Pool interface {
	Connect(ctx context.Context, server config.MCPServerConfig, bearer string) ([]mcp.ToolInfo, error)
	Disconnect(id string) error
	Connected(id string) bool
	Statuses() []mcp.Status
	Tools(ids ...string) []mcp.ToolInfo
	CallTool(ctx context.Context, server, name string, args json.RawMessage) (string, error)
}

type Deps struct {
	Config      *config.Config
	Provider    Provider
	Store       memory.Store
	Engine      *engine.Engine
	Pool        Pool
	Credentials *mcp.Credentials
	OAuth       *oauth.Controller
	Windows     *windows.Manager
	Spawner     *windows.Spawner
	Scheduler   *daemon.Scheduler
	Personas    *persona.Book
	Bus         *Bus
	Logger      *slog.Logger
	Version     string
	// ProjectDir receives the project config written by /model save.
	ProjectDir  string
}

// Message is one transcript entry. Role is "user", "assistant" or "memini"
// for command output.
type Message struct {
	Role string
	Text string
	At   time.Time
}

type App struct {
	cfg        *config.Config
	provider   Provider
	store      memory.Store
	engine     *engine.Engine
	pool       Pool
	creds      *mcp.Credentials
	oauth      *oauth.Controller
	windows    *windows.Manager
	spawner    *windows.Spawner
	scheduler  *daemon.Scheduler
	personas   *persona.Book
	bus        *Bus
	logger     *slog.Logger
	version    string
	projectDir string

	ctx    context.Context
	cancel context.CancelFunc

	log        *Log
	history    *daemon.History
	transcript []Message
	streaming  strings.Builder
	turnTools  int
	quit       bool
	now        func() time.Time
}

func New(d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := d.Bus
	if bus == nil {
		bus = NewBus(0)
	}
	mgr := d.Windows
	if mgr == nil {
		mgr = windows.NewManager(nil)
	}
	ctrl := d.OAuth
	if ctrl == nil {
		ctrl = oauth.NewController()
	}
	limit := 200
	if d.Config != nil && d.Config.Daemon.ResultsLimit > 0 {
		limit = d.Config.Daemon.ResultsLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:        d.Config,
		provider:   d.Provider,
		store:      d.Store,
		engine:     d.Engine,
		pool:       d.Pool,
		creds:      d.Credentials,
		oauth:      ctrl,
		windows:    mgr,
		spawner:    d.Spawner,
		scheduler:  d.Scheduler,
		personas:   d.Personas,
		bus:        bus,
		logger:     logger,
		version:    d.Version,
		projectDir: d.ProjectDir,
		ctx:        ctx,
		cancel:     cancel,
		log:        NewLog(logger),
		history:    daemon.NewHistory(limit),
		now:        time.Now,
	}
	if a.cfg == nil {
		cfg := config.Default()
		a.cfg = &cfg
	}
	if a.personas == nil {
		a.personas = persona.NewBook(nil)
	}
	if a.engine != nil {
		a.engine.OnText = func(chunk string) { bus.Emit(TurnChunk{Text: chunk}) }
		a.engine.OnTool = func(t tools.Target, args string) { bus.Emit(ToolActivity{Target: t, Args: args}) }
	}
	return a
}

// Start restores persisted state and starts background work. Failures are
// logged, never fatal.
func (a *App) Start() {
	if a.engine != nil && a.store != nil {
		if n, err := a.engine.RestoreThread(a.ctx); err != nil {
			a.log.Add(Warn, fmt.Sprintf("thread restore failed: %v", err))
		} else if n > 0 {
			a.log.Add(Info, fmt.Sprintf("restored %d messages for agent %s", n, a.engine.Persona().Name))
		}
	}
	a.loadStoredKey()

	if a.scheduler != nil {
		if a.cfg.Daemon.Autostart {
			started, conflicts, err := a.scheduler.Autostart(true)
			if err != nil {
				a.log.Add(Warn, fmt.Sprintf("daemon recipes: %v", err))
			}
			for _, name := range conflicts {
				a.log.Add(Warn, fmt.Sprintf("recipe %q skipped: name conflicts with a built-in task", name))
			}
			if len(started) > 0 {
				a.log.Add(Info, "daemon tasks started: "+strings.Join(started, ", "))
			}
		}
		if a.cfg.Daemon.Watch && a.scheduler.Recipes() != nil {
			if err := a.scheduler.Recipes().Watch(a.ctx, a.bus.Emit); err != nil {
				a.log.Add(Warn, fmt.Sprintf("recipe watch disabled: %v", err))
			}
		}
	}

	for _, server := range a.autoConnectServers() {
		a.connect(server)
	}
}

func (a *App) loadStoredKey() {
	if a.provider == nil || a.provider.HasAPIKey() || a.store == nil {
		return
	}
	key, ok, err := a.store.GetVariable(a.ctx, OpenAIKeyVar)
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("read stored API key: %v", err))
		return
	}
	if !ok || strings.TrimSpace(key) == "" {
		a.log.Add(Warn, "no OpenAI API key; set one with /openai key <key>")
		return
	}
	if err := a.provider.SetAPIKey(strings.TrimSpace(key)); err != nil {
		a.log.Add(Warn, fmt.Sprintf("stored API key rejected: %v", err))
		return
	}
	a.log.Add(Info, "loaded OpenAI API key "+provider.MaskKey(key)+" from memory")
}

// autoConnectServers lists configured auto_connect servers plus the last
// active one.
func (a *App) autoConnectServers() []config.MCPServerConfig {
	var out []config.MCPServerConfig
	seen := map[string]bool{}
	for _, s := range a.cfg.MCP.Servers {
		if s.AutoConnect {
			out = append(out, s)
			seen[s.ID] = true
		}
	}
	if a.store == nil {
		return out
	}
	if id, ok, err := a.store.GetVariable(a.ctx, ActiveMCPVar); err == nil && ok && !seen[id] {
		if s, found := a.cfg.Server(id); found {
			out = append(out, s)
		}
	}
	return out
}

// Context is cancelled by Shutdown.
func (a *App) Context() context.Context { return a.ctx }

func (a *App) Bus() *Bus { return a.bus }

// Drain applies every queued update without blocking and reports whether
// anything changed.
func (a *App) Drain() bool {
	changed := false
	for {
		select {
		case u := <-a.bus.C():
			a.Apply(u)
			changed = true
		default:
			return changed
		}
	}
}

// Apply folds one update into the foreground state.
func (a *App) Apply(u Update) {
	switch u := u.(type) {
	case TurnChunk:
		a.streaming.WriteString(u.Text)
	case ToolActivity:
		a.turnTools++
		a.log.Add(Info, fmt.Sprintf("tool %s (%s)", u.Target.Name, u.Target.Kind))
	case TurnDone:
		a.finishTurn(u)
	case Connected:
		a.finishConnect(u)
	case ToolCalled:
		if u.Err != nil {
			a.log.Add(Error, fmt.Sprintf("%s/%s failed: %v", u.ServerID, u.Tool, u.Err))
			return
		}
		a.say(fmt.Sprintf("%s/%s:\n%s", u.ServerID, u.Tool, u.Output))
	case MemoryFound:
		a.showMemories(u)
	case Notice:
		a.log.Add(u.Level, u.Message)
	case windows.Event:
		a.applyWindow(u)
	case daemon.Result:
		a.history.Add(u)
		if u.Err != nil {
			a.log.Add(Error, fmt.Sprintf("daemon %s failed: %v", u.Task, u.Err))
			return
		}
		a.log.Add(Info, fmt.Sprintf("daemon %s: %s", u.Task, firstLine(u.Message)))
	case daemon.RecipesChanged:
		a.log.Add(Info, fmt.Sprintf("recipes changed (%d files)", len(u.Files)))
		if a.scheduler != nil {
			a.reloadRecipes()
		}
	case oauth.Event:
		a.applyOAuth(u)
	default:
		a.logger.Warn("unhandled update", "type", fmt.Sprintf("%T", u))
	}
}

func (a *App) applyWindow(ev windows.Event) {
	a.windows.Apply(ev)
	switch ev := ev.(type) {
	case windows.Spawned:
		a.log.Add(Info, fmt.Sprintf("window #%d spawned: %s", ev.Window.ID, ev.Window.Label))
	case windows.Waiting:
		a.log.Add(Warn, fmt.Sprintf("window #%d needs input: %s (reply with /reply %d <message>)", ev.ID, firstLine(ev.Question), ev.ID))
	case windows.Finished:
		if ev.Err != nil {
			a.log.Add(Error, fmt.Sprintf("window #%d failed: %v", ev.ID, ev.Err))
			return
		}
		a.log.Add(Info, fmt.Sprintf("window #%d done", ev.ID))
	}
}

// Submit handles one line of user input.
func (a *App) Submit(input string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return
	}
	if strings.HasPrefix(input, "/") {
		a.command(input)
		return
	}
	requireTools := false
	if strings.HasPrefix(input, "!") {
		requireTools = true
		input = strings.TrimSpace(strings.TrimPrefix(input, "!"))
	}
	a.startTurn(input, requireTools)
}

func (a *App) say(text string) {
	a.transcript = append(a.transcript, Message{Role: "memini", Text: text, At: a.now()})
}

func (a *App) Logs() []LogLine { return a.log.Lines() }

// LogsSince returns log lines added after mark, and the new mark.
func (a *App) LogsSince(mark int) ([]LogLine, int) { return a.log.Since(mark) }

func (a *App) Transcript() []Message {
	return append([]Message(nil), a.transcript...)
}

// Streaming is the partial reply of the running turn.
func (a *App) Streaming() string { return a.streaming.String() }

func (a *App) Busy() bool {
	return a.engine != nil && a.engine.Running()
}

func (a *App) Windows() []windows.Window { return a.windows.List() }

func (a *App) History() *daemon.History { return a.history }

func (a *App) ShouldQuit() bool { return a.quit }

func (a *App) Version() string { return a.version }

// Status is the one-line summary shown in the status bar.
type Status struct {
	Persona     string
	Model       string
	Workspace   string
	Servers     []string
	LocalTools  bool
	Thinking    int
	Waiting     int
	Done        int
	DaemonTasks int
	Busy        bool
	OAuthPhase  string
}

func (a *App) Status() Status {
	st := Status{Busy: a.Busy(), OAuthPhase: a.oauth.Phase().String()}
	if a.engine != nil {
		st.Persona = a.engine.Persona().Name
		st.LocalTools = a.engine.LocalToolsEnabled()
	}
	if a.provider != nil {
		st.Model = a.provider.CurrentModel()
	}
	if a.store != nil {
		st.Workspace = a.store.Workspace()
	}
	if a.pool != nil {
		for _, s := range a.pool.Statuses() {
			st.Servers = append(st.Servers, s.ID)
		}
	}
	st.Thinking, st.Waiting, st.Done = a.windows.Counts()
	if a.scheduler != nil {
		st.DaemonTasks = len(a.scheduler.RunningDefs())
	}
	return st
}

// Shutdown stops background work. Windows have no cancellation of their own;
// their contexts derive from the app context.
func (a *App) Shutdown() {
	a.oauth.Cancel()
	a.cancel()
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	a.bus.Close()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
