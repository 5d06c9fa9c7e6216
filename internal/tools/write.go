package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memini/internal/chat"
	"memini/internal/security"
)

type WriteTool struct {
	ws *security.Workspace
}

func NewWriteTool(ws *security.Workspace) *WriteTool {
	return &WriteTool{ws: ws}
}

func (t *WriteTool) Name() string {
	return "workspace_write_file"
}

func (t *WriteTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(), "Create or overwrite a text file in the local workspace.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":           map[string]any{"type": "string", "description": "Relative path to write."},
			"content":        map[string]any{"type": "string", "description": "Complete file content to write."},
			"overwrite":      map[string]any{"type": "boolean", "description": "When false, fail if file already exists."},
			"create_parents": map[string]any{"type": "boolean", "description": "When true, create missing parent directories."},
		},
		"required": []string{"path", "content"},
	})
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path          string  `json:"path"`
		Content       *string `json:"content"`
		Overwrite     *bool   `json:"overwrite"`
		CreateParents *bool   `json:"create_parents"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Path) == "" || in.Content == nil {
		return "", fmt.Errorf("%w: path and content are required", ErrBadArgs)
	}
	overwrite := in.Overwrite == nil || *in.Overwrite
	createParents := in.CreateParents == nil || *in.CreateParents

	resolved, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	operation := "created"
	if info, err := os.Stat(resolved); err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("path is a directory: %s", in.Path)
		}
		if !overwrite {
			return "", fmt.Errorf("refusing to overwrite existing file: %s", in.Path)
		}
		operation = "updated"
	}

	parent := filepath.Dir(resolved)
	if createParents {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	} else if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("parent directory does not exist: %s", t.ws.Rel(parent))
	}
	if err := os.WriteFile(resolved, []byte(*in.Content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return mustJSON(map[string]any{
		"path":          t.ws.Rel(resolved),
		"bytes_written": len(*in.Content),
		"operation":     operation,
		"status":        "ok",
	}), nil
}
