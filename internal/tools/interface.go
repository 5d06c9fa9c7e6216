package tools

import (
	"context"
	"encoding/json"

	"memini/internal/chat"
)

// Tool is a locally executed function tool.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}
