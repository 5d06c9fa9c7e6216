package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"memini/internal/chat"
	"memini/internal/security"
)

const maxListEntries = 1000

type ListTool struct {
	ws *security.Workspace
}

func NewListTool(ws *security.Workspace) *ListTool {
	return &ListTool{ws: ws}
}

func (t *ListTool) Name() string {
	return "workspace_list_files"
}

func (t *ListTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(),
		"List files and directories under the local workspace root. Use this before reading/writing files.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "Relative path inside the workspace. Defaults to '.'."},
				"recursive":   map[string]any{"type": "boolean", "description": "When true, traverse subdirectories recursively."},
				"max_entries": map[string]any{"type": "integer", "description": "Max number of entries to return (default 200, max 1000)."},
			},
		})
}

type listEntry struct {
	Path      string `json:"path"`
	Kind      string `json:"kind"`
	SizeBytes int64  `json:"size_bytes"`
}

func (t *ListTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path       string `json:"path"`
		Recursive  bool   `json:"recursive"`
		MaxEntries int    `json:"max_entries"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	limit := clamp(in.MaxEntries, 1, maxListEntries, 200)

	root, err := t.ws.ResolveDir(in.Path)
	if err != nil {
		return "", err
	}

	var entries []listEntry
	queue := []string{root}
	for len(queue) > 0 && len(entries) < limit {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dir := queue[0]
		queue = queue[1:]
		items, err := os.ReadDir(dir)
		if err != nil {
			return "", fmt.Errorf("read directory %s: %w", t.ws.Rel(dir), err)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
		for _, item := range items {
			full := filepath.Join(dir, item.Name())
			info, err := os.Lstat(full)
			if err != nil {
				continue
			}
			entries = append(entries, listEntry{Path: t.ws.Rel(full), Kind: entryKind(info), SizeBytes: info.Size()})
			if len(entries) >= limit {
				break
			}
			if in.Recursive && item.IsDir() {
				queue = append(queue, full)
			}
		}
	}

	return mustJSON(map[string]any{
		"workspace_root": t.ws.Root(),
		"path":           t.ws.Rel(root),
		"entries":        entries,
		"truncated":      len(entries) >= limit,
	}), nil
}

func entryKind(info os.FileInfo) string {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return "dir"
	case mode.IsRegular():
		return "file"
	case mode&os.ModeSymlink != 0:
		return "symlink"
	default:
		return "other"
	}
}
