// Package engine runs chat turns: memory recall, prompt assembly, the
// bounded tool loop, thread upkeep and trace commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"memini/internal/chat"
	"memini/internal/contextmgr"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/persona"
	"memini/internal/prompts"
	"memini/internal/provider"
	"memini/internal/tools"
)

var (
	ErrNoConnection = errors.New("no active MCP connection")
	ErrBusy         = errors.New("a chat turn is already running")
	ErrEmptyInput   = errors.New("empty input")
)

// Pool is the part of the tool-server pool the engine needs.
type Pool interface {
	RemoteCaller
	Any() bool
	Tools(ids ...string) []mcp.ToolInfo
}

type Settings struct {
	MaxToolLoops      int
	MemoryLimit       int
	MemoryTokenBudget int
	MaxThreadMessages int
}

// TurnResult is what a finished turn reports. Warnings collect recall,
// persistence and loop problems that did not fail the turn.
type TurnResult struct {
	Input     string
	Text      string
	Persona   string
	Recalled  int
	ToolCalls int
	Loops     int
	Exhausted bool
	Warnings  []string
	Elapsed   time.Duration
}

type Engine struct {
	provider  provider.Provider
	store     memory.Store
	pool      Pool
	tokenizer *contextmgr.Tokenizer
	builtins  Builtins
	settings  Settings
	logger    *slog.Logger

	// OnText and OnTool are passed to the loop. Set before the first turn.
	OnText func(chunk string)
	OnTool func(target tools.Target, args string)
	Now    func() time.Time

	running atomic.Bool

	mu           sync.Mutex
	thread       *Thread
	persona      persona.Persona
	local        *tools.Registry
	localEnabled bool
}

func New(p provider.Provider, store memory.Store, pool Pool, tok *contextmgr.Tokenizer, builtins Builtins, local *tools.Registry, settings Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:     p,
		store:        store,
		pool:         pool,
		tokenizer:    tok,
		builtins:     builtins,
		settings:     settings,
		logger:       logger,
		Now:          time.Now,
		thread:       NewThread(settings.MaxThreadMessages),
		persona:      persona.Builtin(),
		local:        local,
		localEnabled: local != nil,
	}
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) Persona() persona.Persona {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persona
}

// SetPersona switches persona and clears the in-memory thread.
func (e *Engine) SetPersona(p persona.Persona) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persona = p
	e.thread.Clear()
}

func (e *Engine) ThreadLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thread.Len()
}

func (e *Engine) ClearThread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thread.Clear()
}

// ThreadID is the memory-store key of the active persona's thread.
func (e *Engine) ThreadID() string {
	return threadID(e.Persona().Name)
}

func threadID(name string) string {
	return "chat:" + name
}

// RestoreThread loads the active persona's thread from the store.
func (e *Engine) RestoreThread(ctx context.Context) (int, error) {
	id := e.ThreadID()
	msgs, err := e.store.LoadThread(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("load thread: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thread.Replace(msgs)
	return e.thread.Len(), nil
}

func (e *Engine) LocalToolsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localEnabled && e.local != nil
}

// SetLocalTools toggles the local tools for later turns.
func (e *Engine) SetLocalTools(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localEnabled = on
}

func (e *Engine) localRegistry() *tools.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.localEnabled {
		return nil
	}
	return e.local
}

// RunTurn runs one chat turn. Turns are serialized: a second call while one
// runs returns ErrBusy. Only configuration and model failures return errors.
func (e *Engine) RunTurn(ctx context.Context, input string, requireTools bool) (TurnResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return TurnResult{}, ErrEmptyInput
	}
	if !e.running.CompareAndSwap(false, true) {
		return TurnResult{}, ErrBusy
	}
	defer e.running.Store(false)

	start := e.Now()
	e.mu.Lock()
	active := e.persona
	history := e.thread.Messages()
	e.mu.Unlock()
	res := TurnResult{Input: input, Persona: active.Name}

	if requireTools && (e.pool == nil || !e.pool.Any()) {
		return res, fmt.Errorf("%w: use /mcp connect <id> first", ErrNoConnection)
	}

	embedding := e.embed(ctx, input)
	entries, err := e.store.Reminisce(ctx, embedding, e.settings.MemoryLimit, input)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("memory recall failed: %v", err))
		entries = nil
	}
	res.Recalled = len(entries)

	messages := []chat.Message{chat.System(prompts.MainChatSystemPrompt(active.Prompt, e.Now(), requireTools))}
	if block := e.tokenizer.MemoryContext(entries, e.settings.MemoryTokenBudget); block != "" {
		messages = append(messages, chat.System(block))
	}
	messages = append(messages, history...)
	messages = append(messages, chat.User(input))

	var remote []mcp.ToolInfo
	if e.pool != nil {
		remote = e.pool.Tools()
	}
	catalog := tools.NewCatalog(remote, e.localRegistry(), e.builtins != nil)
	loop := &Loop{Provider: e.provider, MaxLoops: e.settings.MaxToolLoops, OnText: e.OnText, OnTool: e.OnTool}
	var caller RemoteCaller
	if e.pool != nil {
		caller = e.pool
	}
	out, err := loop.Run(ctx, messages, Dispatch{Catalog: catalog, Remote: caller, Builtins: e.builtins})
	res.ToolCalls, res.Loops, res.Exhausted = out.ToolCalls, out.Loops, out.Exhausted
	if err != nil {
		return res, err
	}
	res.Text = out.Text
	if out.Exhausted {
		res.Warnings = append(res.Warnings, fmt.Sprintf("stopped after %d tool rounds; the answer may be incomplete", e.settings.MaxToolLoops))
	}
	if strings.TrimSpace(res.Text) == "" {
		res.Warnings = append(res.Warnings, "the model returned no response")
	}

	e.mu.Lock()
	// a persona switch during the turn started a fresh thread; do not leak into it
	sameThread := e.persona.Name == active.Name
	if sameThread {
		e.thread.Append(chat.User(input), chat.Assistant(res.Text))
	}
	snapshot := e.thread.Messages()
	e.mu.Unlock()

	if sameThread {
		if err := e.store.SaveThread(ctx, threadID(active.Name), snapshot); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("thread save failed: %v", err))
		}
	}
	if err := e.store.CommitTrace(ctx, memory.Trace{
		Input:     input,
		Outcome:   res.Text,
		Action:    "chat",
		AgentID:   active.Name,
		Embedding: embedding,
	}); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("memory commit failed: %v", err))
	}
	res.Elapsed = e.Now().Sub(start)
	return res, nil
}

// embed returns nil when the backend has no embedding support; recall then
// falls back to keyword ranking.
func (e *Engine) embed(ctx context.Context, text string) []float32 {
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		e.logger.Debug("embedding unavailable", "err", err)
		return nil
	}
	return vec
}
