package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"memini/internal/chat"
)

// Registry is an immutable set of local tools keyed by name.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		if t == nil {
			continue
		}
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

func (r *Registry) Definitions() []chat.ToolDef {
	if r == nil {
		return nil
	}
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Execute(ctx, args)
}

// Subset returns a registry with only the named tools that exist in r.
func (r *Registry) Subset(names ...string) *Registry {
	if r == nil {
		return NewRegistry()
	}
	var ts []Tool
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			ts = append(ts, t)
		}
	}
	return NewRegistry(ts...)
}
