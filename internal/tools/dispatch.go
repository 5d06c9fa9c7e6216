package tools

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"memini/internal/chat"
	"memini/internal/mcp"
)

const (
	SpawnToolName   = "spawn_agent"
	CollectToolName = "collect_results"

	remotePrefix    = "mcp_"
	remoteSeparator = "__"
	maxToolName     = 64
)

// Kind is the dispatch tag of a resolved tool call.
type Kind int

const (
	KindUnknown Kind = iota
	KindSpawn
	KindCollect
	KindRemote
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindCollect:
		return "collect"
	case KindRemote:
		return "remote"
	case KindLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Target is a tool call resolved once against a Catalog. Server and Tool are
// set for KindRemote, Tool for KindLocal.
type Target struct {
	Kind   Kind
	Name   string
	Server string
	Tool   string
}

// Catalog is the tool set offered to the model for one turn or session.
type Catalog struct {
	local    *Registry
	remote   map[string]mcp.ToolInfo
	builtins bool
	defs     []chat.ToolDef
}

// NewCatalog namespaces remote tools as mcp_<server>__<tool>. builtins adds
// spawn_agent and collect_results.
func NewCatalog(remote []mcp.ToolInfo, local *Registry, builtins bool) *Catalog {
	c := &Catalog{local: local, remote: map[string]mcp.ToolInfo{}, builtins: builtins}
	sorted := append([]mcp.ToolInfo(nil), remote...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Server != sorted[j].Server {
			return sorted[i].Server < sorted[j].Server
		}
		return sorted[i].Name < sorted[j].Name
	})
	for _, info := range sorted {
		name := RemoteName(info.Server, info.Name)
		if _, dup := c.remote[name]; dup {
			// sanitizing folded two distinct tools onto one name
			name = hashedName(name, info.Server, info.Name)
			if _, dup := c.remote[name]; dup {
				continue
			}
		}
		c.remote[name] = info
		desc := info.Description
		if desc == "" {
			desc = fmt.Sprintf("Tool %s on server %s", info.Name, info.Server)
		}
		c.defs = append(c.defs, chat.FunctionTool(name, fmt.Sprintf("[%s] %s", info.Server, desc), info.Schema))
	}
	if builtins {
		c.defs = append(c.defs, SpawnDefinition(), CollectDefinition())
	}
	c.defs = append(c.defs, local.Definitions()...)
	return c
}

func (c *Catalog) Definitions() []chat.ToolDef {
	return c.defs
}

func (c *Catalog) Local() *Registry {
	return c.local
}

func (c *Catalog) Empty() bool {
	return len(c.defs) == 0
}

// Servers lists the distinct remote servers in the catalog.
func (c *Catalog) Servers() []string {
	seen := map[string]bool{}
	var out []string
	for _, info := range c.remote {
		if !seen[info.Server] {
			seen[info.Server] = true
			out = append(out, info.Server)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) Resolve(name string) Target {
	switch {
	case c.builtins && name == SpawnToolName:
		return Target{Kind: KindSpawn, Name: name}
	case c.builtins && name == CollectToolName:
		return Target{Kind: KindCollect, Name: name}
	}
	if info, ok := c.remote[name]; ok {
		return Target{Kind: KindRemote, Name: name, Server: info.Server, Tool: info.Name}
	}
	if c.local.Has(name) {
		return Target{Kind: KindLocal, Name: name, Tool: name}
	}
	return Target{Kind: KindUnknown, Name: name}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// RemoteName builds the model-facing name of a remote tool. Names over the
// length limit are cut and end in a hash of the original pair.
func RemoteName(server, tool string) string {
	name := remotePrefix + unsafeNameChars.ReplaceAllString(server, "_") + remoteSeparator + unsafeNameChars.ReplaceAllString(tool, "_")
	if len(name) > maxToolName {
		name = hashedName(name, server, tool)
	}
	return name
}

// hashedName replaces the tail of name with _<8 hex digits> of server/tool,
// keeping the result within maxToolName.
func hashedName(name, server, tool string) string {
	h := fnv.New32a()
	h.Write([]byte(server))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	if len(name) > maxToolName-len(suffix) {
		name = name[:maxToolName-len(suffix)]
	}
	return name + suffix
}

// SpawnArgs are the arguments of spawn_agent.
type SpawnArgs struct {
	Label           string `json:"label"`
	Prompt          string `json:"prompt"`
	MCPServer       string `json:"mcp_server,omitempty"`
	CoordinationKey string `json:"coordination_key,omitempty"`
}

func ParseSpawnArgs(raw string) (SpawnArgs, error) {
	var in SpawnArgs
	if err := decodeArgs(json.RawMessage(raw), &in); err != nil {
		return SpawnArgs{}, err
	}
	in.Label = strings.TrimSpace(in.Label)
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.MCPServer = strings.TrimSpace(in.MCPServer)
	in.CoordinationKey = strings.TrimSpace(in.CoordinationKey)
	if in.Prompt == "" {
		return SpawnArgs{}, fmt.Errorf("%w: prompt is required", ErrBadArgs)
	}
	if in.Label == "" {
		in.Label = DefaultLabel(in.Prompt)
	}
	return in, nil
}

// ParseCollectArgs returns the coordination key of a collect_results call.
func ParseCollectArgs(raw string) (string, error) {
	var in struct {
		CoordinationKey string `json:"coordination_key"`
	}
	if err := decodeArgs(json.RawMessage(raw), &in); err != nil {
		return "", err
	}
	key := strings.TrimSpace(in.CoordinationKey)
	if key == "" {
		return "", fmt.Errorf("%w: coordination_key is required", ErrBadArgs)
	}
	return key, nil
}

func SpawnDefinition() chat.ToolDef {
	return chat.FunctionTool(SpawnToolName,
		"Spawn a background sub-agent that works on a task in its own window. Returns immediately with the window id.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label":            map[string]any{"type": "string", "description": "Short label for the agent window."},
				"prompt":           map[string]any{"type": "string", "description": "Self-contained task for the sub-agent."},
				"mcp_server":       map[string]any{"type": "string", "description": "Optional connected tool server id the sub-agent may use."},
				"coordination_key": map[string]any{"type": "string", "description": "Optional key grouping results of related sub-agents."},
			},
			"required": []string{"prompt"},
		})
}

func CollectDefinition() chat.ToolDef {
	return chat.FunctionTool(CollectToolName,
		"Return results reported so far by finished sub-agents for a coordination key. Never waits; an empty list means none finished yet.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"coordination_key": map[string]any{"type": "string"},
			},
			"required": []string{"coordination_key"},
		})
}

// ResultOutput is the tool payload for non-error results.
func ResultOutput(v any) string {
	return mustJSON(v)
}

// DefaultLabel is the first four words of prompt, at most 32 runes.
func DefaultLabel(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 4 {
		words = words[:4]
	}
	label, _ := truncateRunes(strings.Join(words, " "), 32)
	return label
}
