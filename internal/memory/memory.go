// Package memory holds the long-term memory contract shared by the chat
// engine, sessions and background tasks, and its SQLite implementation.
package memory

import (
	"context"
	"errors"
	"time"

	"memini/internal/chat"
)

// ErrEmptyName reports a variable or workspace operation without a name.
var ErrEmptyName = errors.New("name is empty")

// Entry is one recalled memory.
type Entry struct {
	ID        string
	Input     string
	Outcome   string
	Action    string
	AgentID   string
	Workspace string
	Score     float64
	CreatedAt time.Time
}

// Trace is an input/outcome/action record committed after a turn.
type Trace struct {
	Input     string
	Outcome   string
	Action    string
	AgentID   string
	Embedding []float32
}

// Store is the memory contract. Implementations must be safe for concurrent use.
type Store interface {
	GetVariable(ctx context.Context, name string) (string, bool, error)
	SetVariable(ctx context.Context, name, value, source string) error
	DeleteVariable(ctx context.Context, name string) error

	// Reminisce returns up to limit entries ranked by similarity to embedding,
	// or by keyword overlap with query when no embedding is given.
	Reminisce(ctx context.Context, embedding []float32, limit int, query string) ([]Entry, error)
	CommitTrace(ctx context.Context, trace Trace) error
	RecentTraces(ctx context.Context, since time.Time, limit int) ([]Entry, error)

	SaveThread(ctx context.Context, threadID string, messages []chat.Message) error
	LoadThread(ctx context.Context, threadID string) ([]chat.Message, error)
	ClearThread(ctx context.Context, threadID string) error

	JoinWorkspace(ctx context.Context, name string) error
	LeaveWorkspace(ctx context.Context) error
	Workspace() string

	Close() error
}

// VariableHook observes successful variable writes.
type VariableHook func(name, value, source string)
