package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"memini/internal/config"
)

// authServer fakes discovery, registration and the token endpoint. A
// non-empty tenant puts the issuer under that path and advertises it
// through protected resource metadata.
func authServer(t *testing.T, tenant string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	issuer := func() string { return base + tenant }
	mux.HandleFunc("/.well-known/oauth-authorization-server"+tenant, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Metadata{
			Issuer:                        issuer(),
			AuthorizationEndpoint:         base + "/authorize",
			TokenEndpoint:                 base + "/token",
			RegistrationEndpoint:          base + "/register",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	if tenant != "" {
		mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"resource":              base + "/mcp",
				"authorization_servers": []string{issuer()},
			})
		})
	}
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RedirectURIs            []string `json:"redirect_uris"`
			TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RedirectURIs) != 1 || req.RedirectURIs[0] == "" || req.TokenEndpointAuthMethod != "none" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"client_id": "registered-client"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code_verifier") == "" {
			http.Error(w, "missing verifier", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-" + r.PostForm.Get("code"),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	ts := httptest.NewServer(mux)
	base = ts.URL
	t.Cleanup(ts.Close)
	return ts
}

func collect(events chan Event) func(Event) {
	return func(ev Event) { events <- ev }
}

func next(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for oauth event")
		return Event{}
	}
}

// redirectBrowser simulates the user approving in a browser.
func redirectBrowser(code string) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		target := q.Get("redirect_uri") + "?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(q.Get("state"))
		resp, err := http.Get(target)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

func TestFlowCompletesThroughCallback(t *testing.T) {
	ts := authServer(t, "")
	c := NewController()
	c.OpenBrowser = redirectBrowser("c1")

	flow, ctx := c.Begin(context.Background())
	if c.Phase() != PhasePreparing {
		t.Fatalf("phase = %v", c.Phase())
	}
	events := make(chan Event, 4)
	go c.Run(ctx, flow, Request{Server: config.MCPServerConfig{ID: "docs", URL: ts.URL + "/mcp"}}, collect(events))

	prepared := next(t, events)
	if prepared.Kind != EventPrepared {
		t.Fatalf("first event = %+v", prepared)
	}
	if prepared.Pending.Config.ClientID != "registered-client" {
		t.Fatalf("client id = %q", prepared.Pending.Config.ClientID)
	}
	u, _ := url.Parse(prepared.Pending.AuthURL)
	if u.Query().Get("code_challenge_method") != "S256" || u.Query().Get("state") != prepared.Pending.State {
		t.Fatalf("auth url lacks PKCE/state: %s", prepared.Pending.AuthURL)
	}
	c.Apply(prepared)
	if c.Phase() != PhaseAwaitingCallback {
		t.Fatalf("phase = %v", c.Phase())
	}

	granted := next(t, events)
	grant, ok := c.Apply(granted)
	if !ok || grant.AccessToken != "access-c1" || grant.RefreshToken != "refresh-1" || grant.ClientID != "registered-client" {
		t.Fatalf("unexpected grant: %+v (%v)", grant, granted.Err)
	}
	if c.Phase() != PhaseCompleted {
		t.Fatalf("phase = %v", c.Phase())
	}
	if _, ok := c.Pending(); ok {
		t.Fatal("pending should be cleared after completion")
	}
}

func TestTimeoutLeavesFlowManuallyResolvable(t *testing.T) {
	ts := authServer(t, "")
	c := NewController()
	c.CallbackTimeout = 50 * time.Millisecond
	c.OpenBrowser = func(string) error { return nil }

	flow, ctx := c.Begin(context.Background())
	events := make(chan Event, 4)
	server := config.MCPServerConfig{ID: "docs", URL: ts.URL, OAuth: &config.OAuthConfig{ClientID: "static-client"}}
	go c.Run(ctx, flow, Request{Server: server}, collect(events))

	prepared := next(t, events)
	c.Apply(prepared)
	timedOut := next(t, events)
	if timedOut.Kind != EventTimedOut || !errors.Is(timedOut.Err, ErrCallbackTimeout) {
		t.Fatalf("expected timeout event, got %+v", timedOut)
	}
	c.Apply(timedOut)
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase after timeout = %v", c.Phase())
	}
	p, ok := c.Pending()
	if !ok || p.Config.ClientID != "static-client" {
		t.Fatalf("pending should survive timeout: %+v", p)
	}

	if _, _, _, err := c.Manual("other", "abc"); !errors.Is(err, ErrServerMismatch) {
		t.Fatalf("expected ErrServerMismatch, got %v", err)
	}
	if _, _, _, err := c.Manual("docs", "http://127.0.0.1/callback?code=m1&state=wrong"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}

	pending, code, manualFlow, err := c.Manual("DOCS", "http://127.0.0.1/callback?code=m1&state="+url.QueryEscape(p.State))
	if err != nil {
		t.Fatalf("manual: %v", err)
	}
	if code != "m1" {
		t.Fatalf("code = %q", code)
	}
	grant, err := c.Exchange(context.Background(), pending, code)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	got, ok := c.Apply(Event{Kind: EventGranted, ServerID: "docs", Flow: manualFlow, Grant: grant, Manual: true})
	if !ok || got.AccessToken != "access-m1" {
		t.Fatalf("manual grant = %+v", got)
	}
	if c.Phase() != PhaseManuallyCompleted {
		t.Fatalf("phase = %v", c.Phase())
	}
}

func TestGrantAppliedOnce(t *testing.T) {
	c := NewController()
	flow, _ := c.Begin(context.Background())
	c.Apply(Event{Kind: EventPrepared, ServerID: "docs", Flow: flow, Pending: &Pending{ServerID: "docs", State: "s1"}})

	_, code, manualFlow, err := c.Manual("docs", "code=m1&state=s1")
	if err != nil || code != "m1" {
		t.Fatalf("manual: %q %v", code, err)
	}
	if _, ok := c.Apply(Event{Kind: EventGranted, ServerID: "docs", Flow: manualFlow, Grant: &Grant{AccessToken: "a"}, Manual: true}); !ok {
		t.Fatal("first grant not applied")
	}
	// the browser callback lands after the pasted code already won
	if g, ok := c.Apply(Event{Kind: EventGranted, ServerID: "docs", Flow: flow, Grant: &Grant{AccessToken: "b"}}); ok {
		t.Fatalf("second grant applied: %+v", g)
	}
	if c.Phase() != PhaseManuallyCompleted {
		t.Fatalf("phase = %v", c.Phase())
	}
	if _, _, _, err := c.Manual("docs", "code=m2&state=s1"); !errors.Is(err, ErrNoPendingFlow) {
		t.Fatalf("expected ErrNoPendingFlow, got %v", err)
	}
}

func TestBrowserLaunchFailureIsReported(t *testing.T) {
	ts := authServer(t, "")
	c := NewController()
	c.CallbackTimeout = 50 * time.Millisecond
	c.OpenBrowser = func(string) error { return errors.New("no display") }

	flow, ctx := c.Begin(context.Background())
	events := make(chan Event, 4)
	server := config.MCPServerConfig{ID: "docs", URL: ts.URL, OAuth: &config.OAuthConfig{ClientID: "static-client"}}
	go c.Run(ctx, flow, Request{Server: server}, collect(events))

	prepared := next(t, events)
	c.Apply(prepared)
	failed := next(t, events)
	if failed.Kind != EventBrowserFailed || failed.Err == nil || failed.Pending != prepared.Pending {
		t.Fatalf("expected browser failure, got %+v", failed)
	}
	if _, ok := c.Apply(failed); ok || c.Phase() != PhaseAwaitingCallback {
		t.Fatalf("browser failure changed the flow: phase %v", c.Phase())
	}
	if ev := next(t, events); ev.Kind != EventTimedOut {
		t.Fatalf("expected timeout after browser failure, got %+v", ev)
	}
}

func TestDiscoverFollowsResourceMetadata(t *testing.T) {
	ts := authServer(t, "/tenant")
	md, err := Discover(context.Background(), ts.Client(), ts.URL+"/mcp")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if md.Issuer != ts.URL+"/tenant" || md.TokenEndpoint != ts.URL+"/token" || md.RegistrationEndpoint != ts.URL+"/register" {
		t.Fatalf("metadata = %+v", md)
	}
}

func TestDiscoverFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Metadata{
			Issuer:                        "https://elsewhere.example",
			AuthorizationEndpoint:         "https://elsewhere.example/a",
			TokenEndpoint:                 "https://elsewhere.example/t",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mismatch := httptest.NewServer(mux)
	defer mismatch.Close()
	empty := httptest.NewServer(http.NotFoundHandler())
	defer empty.Close()

	for name, target := range map[string]string{
		"issuer mismatch": mismatch.URL,
		"no metadata":     empty.URL,
		"bad url":         "not a url",
	} {
		if _, err := Discover(context.Background(), http.DefaultClient, target); !errors.Is(err, ErrDiscovery) {
			t.Fatalf("%s: expected ErrDiscovery, got %v", name, err)
		}
	}
}

func TestRegisterRejected(t *testing.T) {
	ts := authServer(t, "")
	if _, _, err := Register(context.Background(), ts.Client(), ts.URL+"/register", "", nil); !errors.Is(err, ErrRegistration) {
		t.Fatalf("blank redirect: expected ErrRegistration, got %v", err)
	}
	id, _, err := Register(context.Background(), ts.Client(), ts.URL+"/register", "http://127.0.0.1:9/cb", []string{"read"})
	if err != nil || id != "registered-client" {
		t.Fatalf("register = %q, %v", id, err)
	}
}

func TestManualWithoutPending(t *testing.T) {
	c := NewController()
	if _, _, _, err := c.Manual("docs", "code"); !errors.Is(err, ErrNoPendingFlow) {
		t.Fatalf("expected ErrNoPendingFlow, got %v", err)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	c := NewController()
	old, _ := c.Begin(context.Background())
	_, _ = c.Begin(context.Background())
	if _, ok := c.Apply(Event{Kind: EventGranted, Flow: old, Grant: &Grant{}}); ok {
		t.Fatal("event from superseded flow must be ignored")
	}
	if c.Phase() != PhasePreparing {
		t.Fatalf("phase = %v", c.Phase())
	}
	c.Cancel()
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase after cancel = %v", c.Phase())
	}
}

func TestNoClientIDWithoutRegistration(t *testing.T) {
	c := NewController()
	c.OpenBrowser = nil
	flow, ctx := c.Begin(context.Background())
	events := make(chan Event, 2)
	server := config.MCPServerConfig{ID: "x", URL: "http://127.0.0.1:1", OAuth: &config.OAuthConfig{
		AuthorizationEndpoint: "http://127.0.0.1:1/a",
		TokenEndpoint:         "http://127.0.0.1:1/t",
	}}
	c.Run(ctx, flow, Request{Server: server}, collect(events))
	ev := next(t, events)
	if ev.Kind != EventFailed || !errors.Is(ev.Err, ErrNoClientID) {
		t.Fatalf("expected ErrNoClientID, got %+v", ev)
	}
}

func TestResolveClientPriority(t *testing.T) {
	t.Setenv("CID", "env-id")
	t.Setenv("CSECRET", "env-secret")
	tests := []struct {
		name   string
		req    Request
		oc     config.OAuthConfig
		id     string
		secret string
	}{
		{"config wins", Request{CachedClientID: "cache"}, config.OAuthConfig{ClientID: "cfg", ClientIDEnv: "CID", ClientSecret: "s"}, "cfg", "s"},
		{"env", Request{CachedClientID: "cache"}, config.OAuthConfig{ClientIDEnv: "CID", ClientSecretEnv: "CSECRET"}, "env-id", "env-secret"},
		{"cache", Request{CachedClientID: "cache", StoredClientID: "store"}, config.OAuthConfig{}, "cache", ""},
		{"store ignored without redirect", Request{StoredClientID: "store"}, config.OAuthConfig{}, "", ""},
		{"store with redirect", Request{StoredClientID: "store"}, config.OAuthConfig{RedirectURI: "http://127.0.0.1:8765/cb"}, "store", ""},
	}
	for _, tt := range tests {
		id, secret := resolveClient(tt.req, tt.oc)
		if id != tt.id || secret != tt.secret {
			t.Fatalf("%s: got (%q,%q), want (%q,%q)", tt.name, id, secret, tt.id, tt.secret)
		}
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		input   string
		state   string
		want    string
		wantErr error
	}{
		{"raw-code", "s", "raw-code", nil},
		{"http://localhost/cb?code=abc&state=s", "s", "abc", nil},
		{"code=abc", "s", "abc", nil},
		{"http://localhost/cb?code=abc&state=x", "s", "", ErrStateMismatch},
		{"http://localhost/cb?error=access_denied&code=", "s", "", ErrDenied},
		{"  ", "s", "", ErrBadCode},
	}
	for _, tt := range tests {
		got, err := ExtractCode(tt.input, tt.state)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExtractCode(%q) err = %v, want %v", tt.input, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ExtractCode(%q) = %q, %v", tt.input, got, err)
		}
	}
}
