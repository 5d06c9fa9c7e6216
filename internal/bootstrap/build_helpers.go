package bootstrap

import (
	"fmt"
	"strings"

	"memini/internal/app"
	"memini/internal/config"
	"memini/internal/mcp"
	"memini/internal/memory"
	"memini/internal/security"
	"memini/internal/tools"
)

func resolveWorkspaceRoot(cfg config.Config, workspaceRoot string) (string, error) {
	root := strings.TrimSpace(workspaceRoot)
	if root == "" {
		root = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)
	}
	if root == "" {
		return "", fmt.Errorf("workspace root is empty")
	}
	return root, nil
}

// buildLocalTools returns the chat's tool set and the unattended set used by
// agent windows and background tasks.
func buildLocalTools(cfg config.Config, ws *security.Workspace, store memory.Store) (interactive, unattended *tools.Registry) {
	timeout, limit := cfg.Runtime.CommandTimeoutMS, cfg.Runtime.OutputLimitBytes
	return tools.LocalSet(ws, store, timeout, limit, false), tools.LocalSet(ws, store, timeout, limit, true)
}

var secretPrefixes = []string{mcp.TokenVar(""), mcp.RefreshVar("")}

func secretVariable(name string) bool {
	if name == app.OpenAIKeyVar {
		return true
	}
	for _, p := range secretPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
