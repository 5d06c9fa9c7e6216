//go:build !mcp_go_client_oauth

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Without the mcp_go_client_oauth tag the SDK's oauthex client functions
// are not compiled, so this file applies the same checks over net/http.

func authServerMeta(ctx context.Context, client *http.Client, issuer string) (Metadata, error) {
	var errs []error
	for _, p := range authServerPaths {
		endpoint, err := wellKnown(issuer, p)
		if err != nil {
			return Metadata{}, err
		}
		var md Metadata
		if err := getJSON(ctx, client, endpoint, &md); err != nil {
			errs = append(errs, err)
			continue
		}
		if md.Issuer != issuer {
			return Metadata{}, fmt.Errorf("metadata issuer %q does not match issuer URL %q", md.Issuer, issuer)
		}
		if len(md.CodeChallengeMethodsSupported) == 0 {
			return Metadata{}, fmt.Errorf("authorization server at %s does not implement PKCE", issuer)
		}
		return md, nil
	}
	return Metadata{}, errors.Join(errs...)
}

type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func registerClient(ctx context.Context, client *http.Client, endpoint string, reg registration) (string, string, error) {
	body, err := json.Marshal(registrationRequest{
		ClientName:              reg.ClientName,
		RedirectURIs:            reg.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   reg.Scope,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out registrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode: %w", err)
	}
	if out.ClientID == "" {
		return "", "", errors.New("no client_id in response")
	}
	return out.ClientID, out.ClientSecret, nil
}
