package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"memini/internal/chat"
	"memini/internal/security"
)

const maxReadChars = 50000

type ReadTool struct {
	ws *security.Workspace
}

func NewReadTool(ws *security.Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Name() string {
	return "workspace_read_file"
}

func (t *ReadTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(), "Read a UTF-8 text file from the local workspace.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Relative path to the file inside the workspace."},
			"max_chars": map[string]any{"type": "integer", "description": "Maximum characters to return (default 20000, max 50000)."},
		},
		"required": []string{"path"},
	})
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path     string `json:"path"`
		MaxChars int    `json:"max_chars"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Path) == "" {
		return "", fmt.Errorf("%w: path is required", ErrBadArgs)
	}
	limit := clamp(in.MaxChars, 100, maxReadChars, 20000)

	resolved, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", in.Path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory: %s", in.Path)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.Path, err)
	}

	content, truncated := truncateRunes(strings.ToValidUTF8(string(data), "�"), limit)
	if truncated {
		content += "\n...[truncated]"
	}
	return mustJSON(map[string]any{
		"path":       t.ws.Rel(resolved),
		"size_bytes": len(data),
		"truncated":  truncated,
		"content":    content,
	}), nil
}
