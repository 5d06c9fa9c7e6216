//go:build mcp_go_client_oauth

package oauth

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/oauthex"
)

func authServerMeta(ctx context.Context, client *http.Client, issuer string) (Metadata, error) {
	asm, err := oauthex.GetAuthServerMeta(ctx, issuer, client)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Issuer:                        asm.Issuer,
		AuthorizationEndpoint:         asm.AuthorizationEndpoint,
		TokenEndpoint:                 asm.TokenEndpoint,
		RegistrationEndpoint:          asm.RegistrationEndpoint,
		ScopesSupported:               asm.ScopesSupported,
		CodeChallengeMethodsSupported: asm.CodeChallengeMethodsSupported,
	}, nil
}

func registerClient(ctx context.Context, client *http.Client, endpoint string, reg registration) (string, string, error) {
	resp, err := oauthex.RegisterClient(ctx, endpoint, &oauthex.ClientRegistrationMetadata{
		ClientName:              reg.ClientName,
		RedirectURIs:            reg.RedirectURIs,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   reg.Scope,
	}, client)
	if err != nil {
		return "", "", err
	}
	return resp.ClientID, resp.ClientSecret, nil
}
