package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"memini/internal/chat"
	"memini/internal/memory"
	"memini/internal/security"
)

// VariableSource tags variable writes made by the model.
const VariableSource = "tool"

type GetVariableTool struct {
	store memory.Store
}

func NewGetVariableTool(store memory.Store) *GetVariableTool {
	return &GetVariableTool{store: store}
}

func (t *GetVariableTool) Name() string {
	return "memory_get_variable"
}

func (t *GetVariableTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(), "Read a named variable from long-term memory.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Variable name."},
		},
		"required": []string{"name"},
	})
}

func (t *GetVariableTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrBadArgs)
	}
	value, found, err := t.store.GetVariable(ctx, name)
	if err != nil {
		return "", err
	}
	out := map[string]any{"name": name, "found": found}
	if found {
		out["value"] = value
	}
	return mustJSON(out), nil
}

// SetVariableTool writes a variable. The store's change hooks turn the write
// into a VariableUpdate event for background tasks.
type SetVariableTool struct {
	store memory.Store
}

func NewSetVariableTool(store memory.Store) *SetVariableTool {
	return &SetVariableTool{store: store}
}

func (t *SetVariableTool) Name() string {
	return "memory_set_variable"
}

func (t *SetVariableTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(), "Store a named variable in long-term memory. Background agents may be triggered by the update.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "description": "Variable name, e.g. watch.deploy_status."},
			"value": map[string]any{"type": "string", "description": "Value to store."},
		},
		"required": []string{"name", "value"},
	})
}

func (t *SetVariableTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrBadArgs)
	}
	if err := t.store.SetVariable(ctx, name, in.Value, VariableSource); err != nil {
		return "", err
	}
	return mustJSON(map[string]any{"name": name, "status": "ok"}), nil
}

// LocalSet builds the local tool registry: workspace tools plus memory
// variable tools. unattended refuses risky shell commands.
func LocalSet(ws *security.Workspace, store memory.Store, commandTimeoutMS, outputLimitBytes int, unattended bool) *Registry {
	var ts []Tool
	if ws != nil {
		ts = append(ts,
			NewListTool(ws),
			NewReadTool(ws),
			NewWriteTool(ws),
			NewCommandTool(ws, commandTimeoutMS, outputLimitBytes, unattended),
		)
	}
	if store != nil {
		ts = append(ts, NewGetVariableTool(store), NewSetVariableTool(store))
	}
	return NewRegistry(ts...)
}
