package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "MEMINI_MODEL", "MEMINI_HOME", "MEMINI_CONFIG", "MEMINI_STORAGE_DIR", "MEMINI_MAX_TOOL_LOOPS", "MEMINI_MEMORY_LIMIT"} {
		t.Setenv(k, "")
	}
	work = t.TempDir()
	oldwd, _ := os.Getwd()
	if err := os.Chdir(work); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
	return home, work
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runtime.MaxToolLoops != 6 || cfg.Runtime.MemoryLimit != 6 {
		t.Fatalf("runtime defaults: %+v", cfg.Runtime)
	}
	if !strings.HasSuffix(cfg.AgentsDir(), filepath.Join("Memini", "agents")) {
		t.Fatalf("agents dir=%q", cfg.AgentsDir())
	}
	if !cfg.Daemon.Autostart {
		t.Fatal("autostart should default to true")
	}
}

func TestLoadJSONCAndPrecedence(t *testing.T) {
	home, _ := isolate(t)

	globalDir := filepath.Join(home, ".memini")
	if err := os.MkdirAll(globalDir, 0o755); err != nil {
		t.Fatal(err)
	}
	globalCfg := `{
  // global
  "provider": {"model": "global-model"},
  "runtime": {"max_tool_loops": 3, "local_tools": false},
  "mcp": {"servers": [{"id": "docs", "url": "https://docs.example/mcp"}]}
}`
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(globalCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	projectCfg := `{
  /* project wins */
  "provider": {"model": "project-model"},
  "mcp": {"servers": [{"id": "DOCS", "url": "https://other.example/mcp", "bearer_env": "DOCS_TOKEN"}]}
}`
	if err := os.WriteFile(".memini.json", []byte(projectCfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "project-model" {
		t.Fatalf("model=%q", cfg.Provider.Model)
	}
	if cfg.Runtime.MaxToolLoops != 3 {
		t.Fatalf("max_tool_loops=%d", cfg.Runtime.MaxToolLoops)
	}
	if cfg.Runtime.LocalTools {
		t.Fatal("local_tools should be false from global config")
	}
	if len(cfg.MCP.Servers) != 1 {
		t.Fatalf("servers=%+v", cfg.MCP.Servers)
	}
	s, ok := cfg.Server("docs")
	if !ok || s.URL != "https://other.example/mcp" || s.BearerEnv != "DOCS_TOKEN" {
		t.Fatalf("server lookup: %+v ok=%v", s, ok)
	}
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("MEMINI_MODEL", "env-model")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("MEMINI_MAX_TOOL_LOOPS", "9")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "env-model" || cfg.Provider.APIKey != "sk-env" {
		t.Fatalf("provider=%+v", cfg.Provider)
	}
	if cfg.Runtime.MaxToolLoops != 9 {
		t.Fatalf("max_tool_loops=%d", cfg.Runtime.MaxToolLoops)
	}

	t.Setenv("MEMINI_MEMORY_LIMIT", "zero")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid MEMINI_MEMORY_LIMIT")
	}
}

func TestServerWithoutURLRejected(t *testing.T) {
	isolate(t)
	if err := os.WriteFile(".memini.json", []byte(`{"mcp":{"servers":[{"id":"x"}]}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for server without url")
	}
}

func TestThreadCapIsEven(t *testing.T) {
	isolate(t)
	if err := os.WriteFile(".memini.json", []byte(`{"runtime":{"max_thread_messages":7}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runtime.MaxThreadMessages != 8 {
		t.Fatalf("max_thread_messages=%d, want 8", cfg.Runtime.MaxThreadMessages)
	}
}

func TestWriteProviderModel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".memini.json"), []byte(`{"runtime":{"memory_limit":4}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteProviderModel(dir, "gpt-4o"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".memini.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"gpt-4o"`) || !strings.Contains(string(data), "memory_limit") {
		t.Fatalf("unexpected file: %s", data)
	}
}

func TestStripJSONComments(t *testing.T) {
	in := []byte("{\n// c\n\"a\": \"//not\", /* b */ \"b\": 1}")
	out := string(stripJSONComments(in))
	if strings.Contains(out, "// c") || strings.Contains(out, "/* b */") {
		t.Fatalf("comments remain: %s", out)
	}
	if !strings.Contains(out, `"//not"`) {
		t.Fatalf("string content damaged: %s", out)
	}
}
