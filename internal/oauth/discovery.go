package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/oauthex"
)

const resourceMetadataPath = "/.well-known/oauth-protected-resource"

// authServerPaths are tried in order against the issuer, per RFC 8414 3.
var authServerPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// Metadata is the subset of RFC 8414 authorization server metadata we use.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// registration is what we ask for when registering as a public client.
type registration struct {
	ClientName   string
	RedirectURIs []string
	Scope        string
}

// Discover finds the authorization server for the MCP server at serverURL
// and fetches its metadata. The server's RFC 9728 resource metadata names
// the issuer; without it the server's origin is the issuer.
func Discover(ctx context.Context, client *http.Client, serverURL string) (Metadata, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Metadata{}, fmt.Errorf("%w: bad server url %q", ErrDiscovery, serverURL)
	}
	issuer := u.Scheme + "://" + u.Host
	if prm, err := resourceMetadata(ctx, client, issuer+resourceMetadataPath); err == nil && len(prm.AuthorizationServers) > 0 {
		issuer = strings.TrimSuffix(prm.AuthorizationServers[0], "/")
	}

	md, err := authServerMeta(ctx, client, issuer)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return Metadata{}, fmt.Errorf("%w: metadata lacks endpoints", ErrDiscovery)
	}
	return md, nil
}

// Register performs RFC 7591 dynamic client registration as a public client.
func Register(ctx context.Context, client *http.Client, endpoint, redirectURI string, scopes []string) (string, string, error) {
	id, secret, err := registerClient(ctx, client, endpoint, registration{
		ClientName:   "memini",
		RedirectURIs: []string{redirectURI},
		Scope:        strings.Join(scopes, " "),
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	return id, secret, nil
}

func resourceMetadata(ctx context.Context, client *http.Client, endpoint string) (*oauthex.ProtectedResourceMetadata, error) {
	var prm oauthex.ProtectedResourceMetadata
	if err := getJSON(ctx, client, endpoint, &prm); err != nil {
		return nil, err
	}
	return &prm, nil
}

// wellKnown inserts a well-known path between the issuer's host and path.
func wellKnown(issuer, path string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", err
	}
	p := path
	if rest := strings.Trim(u.Path, "/"); rest != "" {
		p += "/" + rest
	}
	u.Path = p
	return u.String(), nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "application/json" {
		return fmt.Errorf("%s: content type %q", endpoint, mt)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
