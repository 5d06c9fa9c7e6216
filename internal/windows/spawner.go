package windows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/persona"
	"memini/internal/provider"
	"memini/internal/tools"
)

var ErrServerNotConnected = errors.New("tool server is not connected")

// Pool is the part of the connection pool sessions use.
type Pool interface {
	engine.Pool
	Connected(id string) bool
}

// Spawner starts agent sessions. It implements engine.Builtins, so the chat
// engine can spawn and collect from its tool loop.
type Spawner struct {
	Provider provider.Provider
	Pool     Pool
	// Local returns the local tool set offered to sessions, or nil.
	Local func() *tools.Registry
	// Persona returns the persona new sessions run as.
	Persona           func() persona.Persona
	Coordination      *Coordination
	Emit              func(any)
	MaxLoops          int
	MaxThreadMessages int
	// BaseContext is the parent of every session context. Defaults to
	// context.Background.
	BaseContext func() context.Context
	Now         func() time.Time
	Logger      *slog.Logger

	lastID atomic.Int64
}

// Prepare allocates a window for args and returns it with the function that
// starts its session. The caller must make the window known to the Manager
// before calling start.
func (s *Spawner) Prepare(args tools.SpawnArgs) (*Window, func(), error) {
	if args.Prompt == "" {
		return nil, nil, fmt.Errorf("%w: prompt is required", tools.ErrBadArgs)
	}
	if args.Label == "" {
		args.Label = tools.DefaultLabel(args.Prompt)
	}
	var available []string
	if args.MCPServer != "" {
		if s.Pool == nil || !s.Pool.Connected(args.MCPServer) {
			return nil, nil, fmt.Errorf("%w: %s", ErrServerNotConnected, args.MCPServer)
		}
		available = []string{args.MCPServer}
	}
	var local *tools.Registry
	if s.Local != nil {
		local = s.Local()
	}
	catalog := tools.NewCatalog(s.remoteTools(available), local, false)
	servers := catalog.Servers()
	if args.MCPServer != "" {
		servers = []string{args.MCPServer}
	}

	active := persona.Builtin()
	if s.Persona != nil {
		active = s.Persona()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	input := make(chan string, 1)
	w := &Window{
		ID:              int(s.lastID.Add(1)),
		Label:           args.Label,
		Prompt:          args.Prompt,
		Status:          Thinking,
		Persona:         active.Name,
		Servers:         servers,
		CoordinationKey: args.CoordinationKey,
		CreatedAt:       now(),
		input:           input,
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sess := &session{
		id:       w.ID,
		prompt:   args.Prompt,
		persona:  active.Prompt,
		hasTools: !catalog.Empty(),
		thread:   engine.NewThread(s.MaxThreadMessages),
		input:    input,
		emit:     s.emit,
		now:      now,
		logger:   logger,
	}
	sess.loop = &engine.Loop{Provider: s.Provider, MaxLoops: s.MaxLoops, OnTool: sess.onTool}
	sess.dispatch = engine.Dispatch{Catalog: catalog}
	if s.Pool != nil {
		sess.dispatch.Remote = s.Pool
	}

	base := context.Background()
	if s.BaseContext != nil {
		base = s.BaseContext()
	}
	id, label := w.ID, w.Label
	start := func() {
		logger.Info("agent session started", "window", id, "label", label)
		go sess.run(base)
	}
	return w, start, nil
}

// Spawn is the spawn_agent builtin. It returns once the session is started.
func (s *Spawner) Spawn(_ context.Context, args tools.SpawnArgs) (any, error) {
	w, start, err := s.Prepare(args)
	if err != nil {
		return nil, err
	}
	// the foreground owns w once it is emitted
	out := map[string]any{
		"window_id": w.ID,
		"label":     w.Label,
		"status":    w.Status.String(),
	}
	if w.CoordinationKey != "" {
		out["coordination_key"] = w.CoordinationKey
	}
	s.emit(Spawned{Window: w})
	start()
	return out, nil
}

// Collect is the collect_results builtin. It never waits.
func (s *Spawner) Collect(key string) any {
	var records []Record
	if s.Coordination != nil {
		records = s.Coordination.Results(key)
	}
	if records == nil {
		records = []Record{}
	}
	return map[string]any{
		"coordination_key": key,
		"count":            len(records),
		"results":          records,
	}
}

func (s *Spawner) emit(ev any) {
	if s.Emit != nil {
		s.Emit(ev)
	}
}

func (s *Spawner) remoteTools(ids []string) []mcp.ToolInfo {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Tools(ids...)
}
