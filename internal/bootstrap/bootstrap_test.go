package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"memini/internal/config"
	"memini/internal/daemon"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(tmp, "data")
	cfg.Daemon.Home = filepath.Join(tmp, "home")
	cfg.Daemon.Autostart = false
	cfg.Daemon.Watch = false
	return cfg
}

func TestBuildEmptyWorkspaceRootFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.WorkspaceRoot = ""
	_, err := Build(cfg, "", "test", nil)
	if err == nil || !strings.Contains(err.Error(), "workspace root") {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildWiresEverything(t *testing.T) {
	cfg := testConfig(t)
	root := t.TempDir()
	res, err := Build(cfg, root, "test", nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer res.Close()
	defer res.App.Shutdown()

	if res.App == nil || res.Store == nil || res.Pool == nil {
		t.Fatalf("incomplete result: %+v", res)
	}
	if _, err := os.Stat(res.DBPath); err != nil {
		t.Fatalf("memory store not created: %v", err)
	}
	// WorkspaceRoot may be canonicalized (e.g. /private/var on macOS)
	if !strings.HasSuffix(res.WorkspaceRoot, filepath.Base(root)) {
		t.Fatalf("WorkspaceRoot = %q", res.WorkspaceRoot)
	}
	st := res.App.Status()
	if st.Model != cfg.Provider.Model || !st.LocalTools {
		t.Fatalf("status = %+v", st)
	}
}

func TestVariableEventRedactsSecrets(t *testing.T) {
	cases := []struct {
		name, value, want string
	}{
		{"deploy.request", "v2", "v2"},
		{"mcp_token_docs", "secret", ""},
		{"mcp_refresh_docs", "secret", ""},
		{"mcp_client_docs", "client-1", "client-1"},
		{"openai_api_key", "sk-123", ""},
	}
	for _, tc := range cases {
		ev := variableEvent(tc.name, tc.value)
		if ev.Type != daemon.EventVariableUpdate || ev.Variable != tc.name || ev.Value != tc.want {
			t.Fatalf("variableEvent(%q) = %+v", tc.name, ev)
		}
	}
}
