package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	EmbedModel string `json:"embed_model"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
}

type RuntimeConfig struct {
	WorkspaceRoot     string `json:"workspace_root"`
	MaxToolLoops      int    `json:"max_tool_loops"`
	MemoryLimit       int    `json:"memory_limit"`
	MaxThreadMessages int    `json:"max_thread_messages"`
	MemoryTokenBudget int    `json:"memory_token_budget"`
	CommandTimeoutMS  int    `json:"command_timeout_ms"`
	OutputLimitBytes  int    `json:"output_limit_bytes"`
	LocalTools        bool   `json:"local_tools"`
}

type StorageConfig struct {
	Dir string `json:"dir"`
}

type DaemonConfig struct {
	// Home holds the agents/ recipe directory.
	Home         string `json:"home"`
	Autostart    bool   `json:"autostart"`
	ResultsLimit int    `json:"results_limit"`
	Watch        bool   `json:"watch"`
}

// OAuthConfig describes how to authorize against one remote tool server.
// Endpoints left empty are discovered from the server origin.
type OAuthConfig struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint"`
	ClientID              string   `json:"client_id"`
	ClientIDEnv           string   `json:"client_id_env"`
	ClientSecret          string   `json:"client_secret"`
	ClientSecretEnv       string   `json:"client_secret_env"`
	Scopes                []string `json:"scopes"`
	RedirectURI           string   `json:"redirect_uri"`
}

type MCPServerConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	URL         string       `json:"url"`
	BearerToken string       `json:"bearer_token"`
	BearerEnv   string       `json:"bearer_env"`
	AutoConnect bool         `json:"auto_connect"`
	OAuth       *OAuthConfig `json:"oauth"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type UIConfig struct {
	TickMS int  `json:"tick_ms"`
	Plain  bool `json:"plain"`
}

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Storage  StorageConfig  `json:"storage"`
	Daemon   DaemonConfig   `json:"daemon"`
	MCP      MCPConfig      `json:"mcp"`
	UI       UIConfig       `json:"ui"`
}

type fileRuntimeConfig struct {
	WorkspaceRoot     *string `json:"workspace_root"`
	MaxToolLoops      *int    `json:"max_tool_loops"`
	MemoryLimit       *int    `json:"memory_limit"`
	MaxThreadMessages *int    `json:"max_thread_messages"`
	MemoryTokenBudget *int    `json:"memory_token_budget"`
	CommandTimeoutMS  *int    `json:"command_timeout_ms"`
	OutputLimitBytes  *int    `json:"output_limit_bytes"`
	LocalTools        *bool   `json:"local_tools"`
}

type fileDaemonConfig struct {
	Home         *string `json:"home"`
	Autostart    *bool   `json:"autostart"`
	ResultsLimit *int    `json:"results_limit"`
	Watch        *bool   `json:"watch"`
}

type fileUIConfig struct {
	TickMS *int  `json:"tick_ms"`
	Plain  *bool `json:"plain"`
}

type fileConfig struct {
	Provider *ProviderConfig    `json:"provider"`
	Runtime  *fileRuntimeConfig `json:"runtime"`
	Storage  *StorageConfig     `json:"storage"`
	Daemon   *fileDaemonConfig  `json:"daemon"`
	MCP      *MCPConfig         `json:"mcp"`
	UI       *fileUIConfig      `json:"ui"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:    DefaultBaseURL,
			Model:      DefaultModel,
			EmbedModel: DefaultEmbedModel,
			TimeoutMS:  120000,
			MaxRetries: 2,
		},
		Runtime: RuntimeConfig{
			MaxToolLoops:      DefaultMaxToolLoops,
			MemoryLimit:       DefaultMemoryLimit,
			MaxThreadMessages: DefaultMaxThreadMessages,
			MemoryTokenBudget: DefaultMemoryTokenBudget,
			CommandTimeoutMS:  DefaultCommandTimeoutMS,
			OutputLimitBytes:  DefaultOutputLimitBytes,
			LocalTools:        true,
		},
		Storage: StorageConfig{Dir: "~/.memini"},
		Daemon: DaemonConfig{
			Home:         "~/Memini",
			Autostart:    true,
			ResultsLimit: DefaultDaemonResultsLimit,
			Watch:        true,
		},
		UI: UIConfig{TickMS: DefaultUITickMS},
	}
}

// Load 读取全局与项目配置（JSON/JSONC），再叠加环境变量
// Load reads global then project config (JSON/JSONC) and overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("MEMINI_CONFIG")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".memini", "config.json"),
		filepath.Join(home, ".memini", "config.jsonc"),
	}
}

func findProjectConfigPath() string {
	candidates := []string{
		".memini.json",
		".memini.jsonc",
		".memini/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if r := fc.Runtime; r != nil {
		setString(&cfg.Runtime.WorkspaceRoot, r.WorkspaceRoot)
		setInt(&cfg.Runtime.MaxToolLoops, r.MaxToolLoops)
		setInt(&cfg.Runtime.MemoryLimit, r.MemoryLimit)
		setInt(&cfg.Runtime.MaxThreadMessages, r.MaxThreadMessages)
		setInt(&cfg.Runtime.MemoryTokenBudget, r.MemoryTokenBudget)
		setInt(&cfg.Runtime.CommandTimeoutMS, r.CommandTimeoutMS)
		setInt(&cfg.Runtime.OutputLimitBytes, r.OutputLimitBytes)
		setBool(&cfg.Runtime.LocalTools, r.LocalTools)
	}
	if fc.Storage != nil && strings.TrimSpace(fc.Storage.Dir) != "" {
		cfg.Storage.Dir = fc.Storage.Dir
	}
	if d := fc.Daemon; d != nil {
		setString(&cfg.Daemon.Home, d.Home)
		setBool(&cfg.Daemon.Autostart, d.Autostart)
		setInt(&cfg.Daemon.ResultsLimit, d.ResultsLimit)
		setBool(&cfg.Daemon.Watch, d.Watch)
	}
	if fc.MCP != nil {
		cfg.MCP.Servers = mergeServers(cfg.MCP.Servers, fc.MCP.Servers)
	}
	if u := fc.UI; u != nil {
		setInt(&cfg.UI.TickMS, u.TickMS)
		setBool(&cfg.UI.Plain, u.Plain)
	}
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil && *v > 0 {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.EmbedModel) != "" {
		base.EmbedModel = override.EmbedModel
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

// mergeServers 按 id 覆盖同名服务器，新 id 追加
// mergeServers replaces servers with the same id and appends new ones.
func mergeServers(base, override []MCPServerConfig) []MCPServerConfig {
	out := append([]MCPServerConfig(nil), base...)
	for _, s := range override {
		replaced := false
		for i := range out {
			if strings.EqualFold(out[i].ID, s.ID) {
				out[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, s)
		}
	}
	return out
}

func normalize(cfg *Config) error {
	def := Default()
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	cfg.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/")
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.EmbedModel == "" {
		cfg.Provider.EmbedModel = def.Provider.EmbedModel
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}

	if cfg.Runtime.MaxToolLoops <= 0 {
		cfg.Runtime.MaxToolLoops = DefaultMaxToolLoops
	}
	if cfg.Runtime.MemoryLimit <= 0 {
		cfg.Runtime.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.Runtime.MaxThreadMessages <= 0 {
		cfg.Runtime.MaxThreadMessages = DefaultMaxThreadMessages
	}
	// 线程按成对裁剪，上限取偶数
	// The thread is trimmed in pairs, keep the cap even.
	if cfg.Runtime.MaxThreadMessages%2 == 1 {
		cfg.Runtime.MaxThreadMessages++
	}
	if cfg.Runtime.MemoryTokenBudget <= 0 {
		cfg.Runtime.MemoryTokenBudget = DefaultMemoryTokenBudget
	}
	if cfg.Runtime.CommandTimeoutMS <= 0 {
		cfg.Runtime.CommandTimeoutMS = DefaultCommandTimeoutMS
	}
	if cfg.Runtime.OutputLimitBytes <= 0 {
		cfg.Runtime.OutputLimitBytes = DefaultOutputLimitBytes
	}
	cfg.Runtime.WorkspaceRoot = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)

	storageDir, err := expandPath(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	if storageDir == "" {
		if storageDir, err = expandPath(def.Storage.Dir); err != nil {
			return err
		}
	}
	cfg.Storage.Dir = storageDir

	home, err := expandPath(cfg.Daemon.Home)
	if err != nil {
		return err
	}
	if home == "" {
		if home, err = expandPath(def.Daemon.Home); err != nil {
			return err
		}
	}
	cfg.Daemon.Home = home
	if cfg.Daemon.ResultsLimit <= 0 {
		cfg.Daemon.ResultsLimit = DefaultDaemonResultsLimit
	}

	if cfg.UI.TickMS <= 0 {
		cfg.UI.TickMS = DefaultUITickMS
	}

	servers := make([]MCPServerConfig, 0, len(cfg.MCP.Servers))
	seen := map[string]struct{}{}
	for _, s := range cfg.MCP.Servers {
		s.ID = strings.TrimSpace(s.ID)
		s.URL = strings.TrimSpace(s.URL)
		if s.ID == "" {
			return fmt.Errorf("mcp server with url %q has no id", s.URL)
		}
		if s.URL == "" {
			return fmt.Errorf("mcp server %q has no url", s.ID)
		}
		key := strings.ToLower(s.ID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if s.Name == "" {
			s.Name = s.ID
		}
		servers = append(servers, s)
	}
	cfg.MCP.Servers = servers
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMINI_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMINI_EMBED_MODEL")); v != "" {
		cfg.Provider.EmbedModel = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMINI_HOME")); v != "" {
		cfg.Daemon.Home = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMINI_STORAGE_DIR")); v != "" {
		cfg.Storage.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMINI_WORKSPACE_ROOT")); v != "" {
		cfg.Runtime.WorkspaceRoot = v
	}
	for name, dst := range map[string]*int{
		"MEMINI_MAX_TOOL_LOOPS": &cfg.Runtime.MaxToolLoops,
		"MEMINI_MEMORY_LIMIT":   &cfg.Runtime.MemoryLimit,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", name, v)
		}
		*dst = n
	}

	return cfg, normalize(&cfg)
}

// Server 按 id 查找服务器配置（大小写不敏感）
// Server looks up a server config by id, case-insensitively.
func (c Config) Server(id string) (MCPServerConfig, bool) {
	for _, s := range c.MCP.Servers {
		if strings.EqualFold(s.ID, strings.TrimSpace(id)) {
			return s, true
		}
	}
	return MCPServerConfig{}, false
}

// AgentsDir 返回 recipe 目录
// AgentsDir returns the recipe directory under the daemon home.
func (c Config) AgentsDir() string {
	return filepath.Join(c.Daemon.Home, "agents")
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
