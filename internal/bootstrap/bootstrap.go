package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"memini/internal/app"
	"memini/internal/config"
	"memini/internal/contextmgr"
	"memini/internal/daemon"
	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/oauth"
	"memini/internal/persona"
	"memini/internal/provider"
	"memini/internal/security"
	"memini/internal/tools"
	"memini/internal/windows"
)

// DBFile is the memory store file under the storage dir.
const DBFile = "memini.db"

// busSize bounds background updates queued between two foreground drains.
const busSize = 256

// BuildResult 与 UI 无关的构建结果，供 main 选择 TUI 或行模式
// BuildResult is UI-agnostic; main picks the TUI or line mode on top of it.
type BuildResult struct {
	App           *app.App
	Store         *memory.SQLiteStore
	Pool          *mcp.Pool
	Config        config.Config
	WorkspaceRoot string
	DBPath        string
}

// Close releases what Build opened. Call after App.Shutdown.
func (r *BuildResult) Close() error {
	if r.Pool != nil {
		r.Pool.Close()
	}
	if r.Store != nil {
		return r.Store.Close()
	}
	return nil
}

// Build 按依赖顺序初始化所有组件；调用方负责 defer result.Close()
// Build wires every component in dependency order. The caller must defer
// result.Close().
func Build(cfg config.Config, workspaceRoot, version string, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := resolveWorkspaceRoot(cfg, workspaceRoot)
	if err != nil {
		return nil, err
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Storage.Dir, DBFile)
	store, err := memory.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	res := &BuildResult{Store: store, Config: cfg, WorkspaceRoot: ws.Root(), DBPath: dbPath}

	// An unreadable cache still yields an empty one; tokens are mirrored in
	// the store.
	creds, err := mcp.LoadCredentials(filepath.Join(cfg.Storage.Dir, mcp.CredentialsFile))
	if err != nil {
		logger.Warn("credential cache unreadable", "err", err)
	}

	ctx := context.Background()
	book, active, err := persona.Load(ctx, store)
	if err != nil {
		logger.Warn("personas not loaded", "err", err)
		book = persona.NewBook(nil)
		active = persona.Builtin()
	}

	prov := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		EmbedModel: cfg.Provider.EmbedModel,
		TimeoutMS:  cfg.Provider.TimeoutMS,
		MaxRetries: cfg.Provider.MaxRetries,
	})
	pool := mcp.NewPool(version, time.Duration(cfg.Provider.TimeoutMS)*time.Millisecond)
	res.Pool = pool

	bus := app.NewBus(busSize)
	interactive, unattended := buildLocalTools(cfg, ws, store)

	coord := windows.NewCoordination()
	manager := windows.NewManager(coord)
	spawner := &windows.Spawner{
		Provider:          prov,
		Pool:              pool,
		Coordination:      coord,
		Emit:              bus.Emit,
		MaxLoops:          cfg.Runtime.MaxToolLoops,
		MaxThreadMessages: cfg.Runtime.MaxThreadMessages,
		Logger:            logger.With("component", "windows"),
	}

	eng := engine.New(prov, store, pool, contextmgr.NewTokenizerForModel(cfg.Provider.Model), spawner, interactive, engine.Settings{
		MaxToolLoops:      cfg.Runtime.MaxToolLoops,
		MemoryLimit:       cfg.Runtime.MemoryLimit,
		MemoryTokenBudget: cfg.Runtime.MemoryTokenBudget,
		MaxThreadMessages: cfg.Runtime.MaxThreadMessages,
	}, logger.With("component", "engine"))
	eng.SetPersona(active)
	eng.SetLocalTools(cfg.Runtime.LocalTools)

	// Background sessions follow the chat's tool toggle and persona but
	// always get the unattended command tool.
	spawner.Persona = eng.Persona
	spawner.Local = func() *tools.Registry {
		if !eng.LocalToolsEnabled() {
			return nil
		}
		return unattended
	}

	runner := &daemon.AgentRunner{
		Provider: prov,
		Store:    store,
		Pool:     pool,
		Local:    unattended,
		MaxLoops: cfg.Runtime.MaxToolLoops,
		Logger:   logger.With("component", "daemon"),
	}
	scheduler := daemon.NewScheduler(runner, daemon.NewRecipeDir(cfg.AgentsDir()), bus.Emit, logger.With("component", "daemon"))
	store.OnVariableChange(func(name, value, source string) {
		scheduler.Publish(variableEvent(name, value))
	})

	a := app.New(app.Deps{
		Config:      &res.Config,
		Provider:    prov,
		Store:       store,
		Engine:      eng,
		Pool:        pool,
		Credentials: creds,
		OAuth:       oauth.NewController(),
		Windows:     manager,
		Spawner:     spawner,
		Scheduler:   scheduler,
		Personas:    book,
		Bus:         bus,
		Logger:      logger,
		Version:     version,
		ProjectDir:  ws.Root(),
	})
	spawner.BaseContext = a.Context
	res.App = a
	return res, nil
}

// variableEvent builds the trigger event for a variable write. Credential
// values never leave the store, only the fact that they changed.
func variableEvent(name, value string) daemon.Event {
	if secretVariable(name) {
		value = ""
	}
	return daemon.Event{Type: daemon.EventVariableUpdate, Variable: name, Value: value}
}
