package mcp

import (
	"context"
	"os"
	"strings"

	"memini/internal/config"
	"memini/internal/memory"
)

// Memory-store variable names for per-server credentials.
func TokenVar(id string) string   { return "mcp_token_" + id }
func RefreshVar(id string) string { return "mcp_refresh_" + id }
func ClientVar(id string) string  { return "mcp_client_" + id }

// Token sources reported by ResolveToken.
const (
	SourceNone   = ""
	SourceLocal  = "local"
	SourceMemory = "memory"
	SourceConfig = "config"
	SourceEnv    = "env"
)

// ResolveToken picks the bearer for a server: local cache, memory store,
// static bearer_token, then bearer_env. store may be nil.
func ResolveToken(ctx context.Context, server config.MCPServerConfig, creds *Credentials, store memory.Store) (string, string) {
	if creds != nil {
		if tok := creds.Token(server.ID); tok != "" {
			return tok, SourceLocal
		}
	}
	if store != nil {
		if tok, ok, err := store.GetVariable(ctx, TokenVar(server.ID)); err == nil && ok && strings.TrimSpace(tok) != "" {
			return strings.TrimSpace(tok), SourceMemory
		}
	}
	if tok := strings.TrimSpace(server.BearerToken); tok != "" {
		return tok, SourceConfig
	}
	if env := strings.TrimSpace(server.BearerEnv); env != "" {
		if tok := strings.TrimSpace(os.Getenv(env)); tok != "" {
			return tok, SourceEnv
		}
	}
	return "", SourceNone
}
