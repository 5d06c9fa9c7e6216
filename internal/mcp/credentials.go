package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CredentialsFile is the local cache file name under the storage dir.
const CredentialsFile = "local_mcp_store.json"

// Credentials is the local credential cache. It is owned by the foreground
// loop; background flows hand tokens over instead of writing here.
type Credentials struct {
	path string

	Tokens        map[string]string `json:"tokens"`
	ClientIDs     map[string]string `json:"client_ids"`
	RefreshTokens map[string]string `json:"refresh_tokens"`
}

// LoadCredentials reads the cache at path. A missing file gives an empty cache.
func LoadCredentials(path string) (*Credentials, error) {
	c := &Credentials{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		c.init()
		return c, fmt.Errorf("read credentials: %w", err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			c.init()
			return c, fmt.Errorf("decode credentials: %w", err)
		}
	}
	c.init()
	return c, nil
}

func (c *Credentials) init() {
	if c.Tokens == nil {
		c.Tokens = map[string]string{}
	}
	if c.ClientIDs == nil {
		c.ClientIDs = map[string]string{}
	}
	if c.RefreshTokens == nil {
		c.RefreshTokens = map[string]string{}
	}
}

func (c *Credentials) Path() string {
	return c.path
}

func (c *Credentials) Token(id string) string        { return c.Tokens[id] }
func (c *Credentials) ClientID(id string) string     { return c.ClientIDs[id] }
func (c *Credentials) RefreshToken(id string) string { return c.RefreshTokens[id] }

// Put records a grant. Empty values leave existing entries untouched.
func (c *Credentials) Put(id, token, refresh, clientID string) {
	if token != "" {
		c.Tokens[id] = token
	}
	if refresh != "" {
		c.RefreshTokens[id] = refresh
	}
	if clientID != "" {
		c.ClientIDs[id] = clientID
	}
}

// Save writes the cache atomically with owner-only permissions.
func (c *Credentials) Save() error {
	if c.path == "" {
		return errors.New("credentials path is empty")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}
