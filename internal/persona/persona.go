package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"memini/internal/memory"
	"memini/internal/prompts"
)

// BuiltinName is the persona that always exists and cannot be replaced.
const BuiltinName = "memini"

const (
	customVariable = "custom_agents"
	activeVariable = "active_agent"
	variableSource = "memini"
)

var (
	ErrBuiltin  = errors.New("built-in persona cannot be changed")
	ErrExists   = errors.New("persona already exists")
	ErrNotFound = errors.New("persona not found")
	ErrBadName  = errors.New("persona name must be a single word")
)

type Persona struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"persona"`
}

func Builtin() Persona {
	return Persona{
		Name:        BuiltinName,
		Description: "Default execution-first assistant with long-term memory",
		Prompt:      prompts.DefaultPersona(),
	}
}

// Book holds the custom personas. The built-in one is implicit.
type Book struct {
	custom []Persona
}

func NewBook(custom []Persona) *Book {
	b := &Book{}
	for _, p := range custom {
		if p.Name == "" || strings.EqualFold(p.Name, BuiltinName) {
			continue
		}
		if _, ok := b.find(p.Name); ok {
			continue
		}
		b.custom = append(b.custom, p)
	}
	return b
}

// All returns the built-in persona followed by custom ones sorted by name.
func (b *Book) All() []Persona {
	out := make([]Persona, 0, len(b.custom)+1)
	out = append(out, Builtin())
	custom := append([]Persona(nil), b.custom...)
	sort.Slice(custom, func(i, j int) bool { return custom[i].Name < custom[j].Name })
	return append(out, custom...)
}

func (b *Book) Custom() []Persona {
	return append([]Persona(nil), b.custom...)
}

func (b *Book) Lookup(name string) (Persona, bool) {
	if strings.EqualFold(strings.TrimSpace(name), BuiltinName) {
		return Builtin(), true
	}
	i, ok := b.find(name)
	if !ok {
		return Persona{}, false
	}
	return b.custom[i], true
}

func (b *Book) Create(name, description string) (Persona, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return Persona{}, ErrBadName
	}
	if strings.EqualFold(name, BuiltinName) {
		return Persona{}, ErrBuiltin
	}
	if _, ok := b.find(name); ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	p := Persona{Name: name, Description: strings.TrimSpace(description), Prompt: prompts.CustomPersona(name, description)}
	b.custom = append(b.custom, p)
	return p, nil
}

func (b *Book) Delete(name string) error {
	if strings.EqualFold(strings.TrimSpace(name), BuiltinName) {
		return ErrBuiltin
	}
	i, ok := b.find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	b.custom = append(b.custom[:i], b.custom[i+1:]...)
	return nil
}

func (b *Book) find(name string) (int, bool) {
	name = strings.TrimSpace(name)
	for i, p := range b.custom {
		if strings.EqualFold(p.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// Load reads custom personas and the active persona name from the store.
// An unknown active name falls back to the built-in persona.
func Load(ctx context.Context, store memory.Store) (*Book, Persona, error) {
	raw, ok, err := store.GetVariable(ctx, customVariable)
	if err != nil {
		return NewBook(nil), Builtin(), fmt.Errorf("load personas: %w", err)
	}
	var custom []Persona
	if ok && strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &custom); err != nil {
			return NewBook(nil), Builtin(), fmt.Errorf("decode personas: %w", err)
		}
	}
	book := NewBook(custom)

	name, ok, err := store.GetVariable(ctx, activeVariable)
	if err != nil {
		return book, Builtin(), fmt.Errorf("load active persona: %w", err)
	}
	if !ok {
		return book, Builtin(), nil
	}
	active, found := book.Lookup(name)
	if !found {
		return book, Builtin(), nil
	}
	return book, active, nil
}

func SaveCustom(ctx context.Context, store memory.Store, book *Book) error {
	data, err := json.Marshal(book.Custom())
	if err != nil {
		return fmt.Errorf("encode personas: %w", err)
	}
	if err := store.SetVariable(ctx, customVariable, string(data), variableSource); err != nil {
		return fmt.Errorf("save personas: %w", err)
	}
	return nil
}

func SaveActive(ctx context.Context, store memory.Store, name string) error {
	if err := store.SetVariable(ctx, activeVariable, name, variableSource); err != nil {
		return fmt.Errorf("save active persona: %w", err)
	}
	return nil
}
