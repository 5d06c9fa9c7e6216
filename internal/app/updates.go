package app

import (
	"memini/internal/engine"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/tools"
)

// TurnChunk is streamed assistant text of the running chat turn.
type TurnChunk struct{ Text string }

// ToolActivity reports a tool call made by the running chat turn.
type ToolActivity struct {
	Target tools.Target
	Args   string
}

// TurnDone ends a chat turn.
type TurnDone struct {
	Result engine.TurnResult
	Err    error
}

// Connected ends a tool-server connection attempt.
type Connected struct {
	ServerID string
	Source   string
	Tools    []mcp.ToolInfo
	Err      error
}

// ToolCalled ends a direct /mcp call.
type ToolCalled struct {
	ServerID string
	Tool     string
	Output   string
	Err      error
}

// MemoryFound ends a /memory search.
type MemoryFound struct {
	Query   string
	Entries []memory.Entry
	Err     error
}

// Notice is a plain activity-log line from a background unit.
type Notice struct {
	Level   Level
	Message string
}
