package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrRecipeExists    = errors.New("agent recipe already exists")
	ErrBadName         = errors.New("name cannot be empty")
	ErrNoInstructions  = errors.New("missing instructions: add a markdown body or front matter `instructions`")
	ErrEmptyRecipeText = errors.New("instructions cannot be empty")
)

// Recipe is a task defined by a Markdown file with YAML front matter:
//
//	---
//	name: repo-digest
//	interval_secs: 1800
//	trigger_variables: deploy.request,ci.*
//	tools: local
//	---
//	Summarize recent repository changes.
type Recipe struct {
	Name             string
	Description      string
	Interval         time.Duration
	AutoStart        bool
	TriggerEvents    []string
	TriggerVariables []string
	Tools            []string
	Persona          string
	Instructions     string
	Path             string
}

// Def converts the recipe to a task definition.
func (r Recipe) Def() TaskDef {
	return TaskDef{
		Name:             r.Name,
		Description:      r.Description,
		Persona:          r.Persona,
		Prompt:           r.Instructions,
		Interval:         r.Interval,
		TriggerEvents:    append([]string(nil), r.TriggerEvents...),
		TriggerVariables: append([]string(nil), r.TriggerVariables...),
		Tools:            append([]string(nil), r.Tools...),
		Path:             r.Path,
	}
}

// RecipeDir is the directory holding recipe files.
type RecipeDir struct {
	dir string
}

func NewRecipeDir(dir string) *RecipeDir {
	return &RecipeDir{dir: dir}
}

func (r *RecipeDir) Dir() string {
	return r.dir
}

// Ensure creates the directory if needed.
func (r *RecipeDir) Ensure() (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", r.dir, err)
	}
	return r.dir, nil
}

// Load parses every .md file. Files that fail to parse are skipped and
// reported in the joined error; the rest are still returned.
func (r *RecipeDir) Load() ([]Recipe, error) {
	if _, err := r.Ensure(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.dir, err)
	}
	var recipes []Recipe
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		recipe, err := ParseRecipe(path, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse agent recipe %s: %w", path, err))
			continue
		}
		recipes = append(recipes, recipe)
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })
	return recipes, errors.Join(errs...)
}

// Find loads the recipes and returns the one named name.
func (r *RecipeDir) Find(name string) (Recipe, bool, error) {
	recipes, err := r.Load()
	for _, rec := range recipes {
		if strings.EqualFold(rec.Name, strings.TrimSpace(name)) {
			return rec, true, err
		}
	}
	return Recipe{}, false, err
}

// Write creates a new recipe file and returns the recipe as written.
func (r *RecipeDir) Write(rec Recipe) (Recipe, error) {
	name, err := SanitizeName(rec.Name)
	if err != nil {
		return Recipe{}, err
	}
	if strings.TrimSpace(rec.Instructions) == "" {
		return Recipe{}, ErrEmptyRecipeText
	}
	if _, err := r.Ensure(); err != nil {
		return Recipe{}, err
	}
	path := filepath.Join(r.dir, name+".md")
	if _, err := os.Stat(path); err == nil {
		return Recipe{}, fmt.Errorf("%w: %s", ErrRecipeExists, path)
	}
	rec.Name, rec.Path = name, path
	if rec.Interval <= 0 {
		rec.Interval = DefaultInterval
	}
	data, err := RenderRecipe(rec)
	if err != nil {
		return Recipe{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Recipe{}, fmt.Errorf("write %s: %w", path, err)
	}
	return rec, nil
}

// Remove deletes the recipe file for name. The path is "" when no file
// existed.
func (r *RecipeDir) Remove(name string) (string, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, clean+".md")
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("remove %s: %w", path, err)
	}
	return path, nil
}

// ParseRecipe parses recipe file content. The name falls back to the file
// stem and a non-empty body overrides front matter instructions.
func ParseRecipe(path string, raw []byte) (Recipe, error) {
	front, body := splitFrontMatter(raw)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if v := first(front, "name"); v != nil {
		clean, err := SanitizeName(scalar(v))
		if err != nil {
			return Recipe{}, err
		}
		name = clean
	}
	rec := Recipe{
		Name:             name,
		Description:      strings.TrimSpace(scalar(first(front, "description"))),
		Interval:         DefaultInterval,
		TriggerEvents:    list(first(front, "trigger_events", "events")),
		TriggerVariables: list(first(front, "trigger_variables", "trigger_vars", "trigger_keys")),
		Tools:            list(first(front, "tools")),
		Path:             path,
	}
	if n, err := strconv.ParseUint(scalar(first(front, "interval_secs", "interval")), 10, 64); err == nil && n > 0 {
		rec.Interval = time.Duration(n) * time.Second
	}
	if b, ok := parseBool(scalar(first(front, "auto_start", "autostart"))); ok {
		rec.AutoStart = b
	}
	rec.Persona = strings.TrimSpace(scalar(first(front, "persona")))
	if rec.Persona == "" {
		rec.Persona = fmt.Sprintf("You are a background autonomous agent named '%s'. Be concise, action-oriented, and explicit about changes.", name)
	}
	rec.Instructions = strings.TrimSpace(body)
	if rec.Instructions == "" {
		rec.Instructions = strings.TrimSpace(scalar(first(front, "instructions", "prompt")))
	}
	if rec.Instructions == "" {
		return Recipe{}, ErrNoInstructions
	}
	return rec, nil
}

// splitFrontMatter returns the lowercased front matter keys and the body.
// Text without a closing fence is all body.
func splitFrontMatter(raw []byte) (map[string]any, string) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		var parsed map[string]any
		if err := yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &parsed); err != nil {
			// hand-written recipes often carry unquoted colons or a bare *
			parsed = plainFrontMatter(lines[1:i])
		}
		front := make(map[string]any, len(parsed))
		for k, v := range parsed {
			front[strings.ToLower(strings.TrimSpace(k))] = v
		}
		return front, strings.Join(lines[i+1:], "\n")
	}
	return map[string]any{}, text
}

// plainFrontMatter reads "key: value" lines, splitting at the first colon.
func plainFrontMatter(lines []string) map[string]any {
	out := map[string]any{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = stripQuotes(strings.TrimSpace(value))
	}
	return out
}

func stripQuotes(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func first(front map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := front[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		return strings.Join(list(t), ",")
	default:
		return fmt.Sprint(t)
	}
}

// list accepts either a YAML sequence or a comma-separated string.
func list(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range t {
			raw = append(raw, scalar(item))
		}
	default:
		raw = strings.Split(scalar(t), ",")
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}

type recipeFrontMatter struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	IntervalSecs int64  `yaml:"interval_secs"`
	AutoStart    bool   `yaml:"auto_start"`
	Tools        string `yaml:"tools"`
	Persona      string `yaml:"persona"`
}

// RenderRecipe renders a recipe file.
func RenderRecipe(rec Recipe) ([]byte, error) {
	description := strings.TrimSpace(rec.Description)
	if description == "" {
		description = "Custom auto-agent"
	}
	toolLine := "local"
	if len(rec.Tools) > 0 {
		toolLine = strings.Join(rec.Tools, ",")
	}
	front, err := yaml.Marshal(recipeFrontMatter{
		Name:         rec.Name,
		Description:  description,
		IntervalSecs: int64(rec.Interval / time.Second),
		AutoStart:    rec.AutoStart,
		Tools:        toolLine,
		Persona:      strings.TrimSpace(rec.Persona),
	})
	if err != nil {
		return nil, fmt.Errorf("render recipe: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n")
	b.WriteString(strings.TrimSpace(rec.Instructions))
	b.WriteString("\n")
	return b.Bytes(), nil
}

// SanitizeName lowercases raw and replaces characters outside
// [a-z0-9-_] with '-'.
func SanitizeName(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "", ErrBadName
	}
	return name, nil
}
