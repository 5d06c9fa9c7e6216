// Package oauth drives the browser authorization handshake for remote tool
// servers: endpoint discovery, PKCE, a loopback callback and code exchange.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"memini/internal/config"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

// DefaultCallbackTimeout bounds the wait for the browser redirect.
const DefaultCallbackTimeout = 120 * time.Second

var (
	ErrNoPendingFlow   = errors.New("no pending authorization")
	ErrServerMismatch  = errors.New("pending authorization is for another server")
	ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")
	ErrStateMismatch   = errors.New("authorization state mismatch")
	ErrDenied          = errors.New("authorization denied")
	ErrBadCode         = errors.New("invalid authorization code")
	ErrNoClientID      = errors.New("no client id available")
	ErrDiscovery       = errors.New("authorization server discovery failed")
	ErrRegistration    = errors.New("dynamic client registration failed")
	ErrCallback        = errors.New("callback listener failed")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseAwaitingCallback
	PhaseCompleted
	PhaseTimedOut
	PhaseManuallyCompleted
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseAwaitingCallback:
		return "awaiting-callback"
	case PhaseCompleted:
		return "completed"
	case PhaseTimedOut:
		return "timed-out"
	case PhaseManuallyCompleted:
		return "manually-completed"
	default:
		return "idle"
	}
}

// Pending is a prepared authorization that can still be completed.
type Pending struct {
	ServerID    string
	RedirectURI string
	Config      *oauth2.Config
	Verifier    string
	State       string
	AuthURL     string
}

// Grant is the outcome of a successful exchange, persisted by the caller.
type Grant struct {
	ServerID     string
	AccessToken  string
	RefreshToken string
	ClientID     string
	Expiry       time.Time
}

// Request carries what the foreground knows before the flow starts.
type Request struct {
	Server config.MCPServerConfig
	// CachedClientID comes from the local credential cache.
	CachedClientID string
	// StoredClientID comes from the memory store; only used when a redirect
	// URI is configured, since registered ids are bound to their redirect.
	StoredClientID string
}

type EventKind int

const (
	EventPrepared EventKind = iota
	EventGranted
	EventTimedOut
	EventFailed
	// EventBrowserFailed reports a failed browser launch; the flow goes on.
	EventBrowserFailed
)

// Event is emitted by background flows and applied on the foreground loop.
type Event struct {
	Kind     EventKind
	ServerID string
	// Flow identifies the flow; stale events are ignored.
	Flow    string
	Pending *Pending
	Grant   *Grant
	Manual  bool
	Err     error
}

// Controller owns the flow state. Begin, Apply and Manual must be called from
// the foreground loop only; Run and Exchange run in background goroutines.
type Controller struct {
	HTTPClient      *http.Client
	CallbackTimeout time.Duration
	OpenBrowser     func(url string) error

	phase   Phase
	flow    string
	pending *Pending
	cancel  context.CancelFunc
}

func NewController() *Controller {
	return &Controller{
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
		CallbackTimeout: DefaultCallbackTimeout,
		OpenBrowser:     browser.OpenURL,
	}
}

func (c *Controller) Phase() Phase { return c.phase }

// Pending returns the resolvable flow, if any.
func (c *Controller) Pending() (*Pending, bool) {
	return c.pending, c.pending != nil
}

// Begin moves to Preparing, cancelling a running flow and discarding any
// pending one. It returns the flow id and the context to pass to Run.
func (c *Controller) Begin(parent context.Context) (string, context.Context) {
	c.stop()
	c.pending = nil
	c.flow = uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.phase = PhasePreparing
	return c.flow, ctx
}

// Cancel abandons the running flow and forgets the pending one.
func (c *Controller) Cancel() {
	c.stop()
	c.pending = nil
	c.flow = ""
	c.phase = PhaseIdle
}

func (c *Controller) stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Apply folds a background event into the state and returns the grant to
// persist, if any. Events from a superseded flow are dropped.
func (c *Controller) Apply(ev Event) (*Grant, bool) {
	if c.flow == "" || ev.Flow != c.flow {
		return nil, false
	}
	switch ev.Kind {
	case EventPrepared:
		c.pending = ev.Pending
		c.phase = PhaseAwaitingCallback
	case EventGranted:
		c.stop()
		c.pending = nil
		// a callback racing a pasted code must not grant twice
		c.flow = ""
		if ev.Manual {
			c.phase = PhaseManuallyCompleted
		} else {
			c.phase = PhaseCompleted
		}
		return ev.Grant, true
	case EventTimedOut:
		// the pending flow stays resolvable through Manual
		c.phase = PhaseIdle
	case EventFailed:
		c.stop()
		if !ev.Manual {
			c.pending = nil
		}
		c.phase = PhaseIdle
	}
	return nil, false
}

// Manual validates a pasted code or redirect URL against the pending flow and
// returns what Exchange needs. The caller runs Exchange in the background.
func (c *Controller) Manual(serverID, input string) (*Pending, string, string, error) {
	if c.pending == nil {
		return nil, "", "", ErrNoPendingFlow
	}
	if !strings.EqualFold(strings.TrimSpace(serverID), c.pending.ServerID) {
		return nil, "", "", fmt.Errorf("%w: pending is %s", ErrServerMismatch, c.pending.ServerID)
	}
	code, err := ExtractCode(input, c.pending.State)
	if err != nil {
		return nil, "", "", err
	}
	return c.pending, code, c.flow, nil
}

// Run executes one browser flow, emitting Prepared, then Granted, TimedOut or
// Failed. It never touches Controller state.
func (c *Controller) Run(ctx context.Context, flow string, req Request, emit func(Event)) {
	serverID := req.Server.ID
	fail := func(err error) {
		emit(Event{Kind: EventFailed, ServerID: serverID, Flow: flow, Err: err})
	}

	oc := req.Server.OAuth
	if oc == nil {
		oc = &config.OAuthConfig{}
	}
	cb, err := listenCallback(oc.RedirectURI)
	if err != nil {
		fail(err)
		return
	}

	pending, err := c.prepare(ctx, req, *oc, cb.redirect)
	if err != nil {
		cb.close()
		fail(err)
		return
	}
	emit(Event{Kind: EventPrepared, ServerID: serverID, Flow: flow, Pending: pending})

	if c.OpenBrowser != nil {
		if err := c.OpenBrowser(pending.AuthURL); err != nil {
			emit(Event{Kind: EventBrowserFailed, ServerID: serverID, Flow: flow, Pending: pending, Err: err})
		}
	}

	timeout := c.CallbackTimeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	code, err := cb.wait(ctx, timeout, pending.State)
	switch {
	case errors.Is(err, ErrCallbackTimeout):
		emit(Event{Kind: EventTimedOut, ServerID: serverID, Flow: flow, Err: err})
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		fail(err)
		return
	}

	grant, err := c.Exchange(ctx, pending, code)
	if err != nil {
		fail(err)
		return
	}
	emit(Event{Kind: EventGranted, ServerID: serverID, Flow: flow, Grant: grant})
}

// Exchange trades an authorization code for tokens using the PKCE verifier.
func (c *Controller) Exchange(ctx context.Context, p *Pending, code string) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
	tok, err := p.Config.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code for %s: %w", p.ServerID, err)
	}
	return &Grant{
		ServerID:     p.ServerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ClientID:     p.Config.ClientID,
		Expiry:       tok.Expiry,
	}, nil
}

func (c *Controller) prepare(ctx context.Context, req Request, oc config.OAuthConfig, redirect string) (*Pending, error) {
	authURL, tokenURL, registrationURL := oc.AuthorizationEndpoint, oc.TokenEndpoint, oc.RegistrationEndpoint
	scopes := oc.Scopes
	if authURL == "" || tokenURL == "" {
		md, err := Discover(ctx, c.httpClient(), req.Server.URL)
		if err != nil {
			return nil, err
		}
		authURL, tokenURL = md.AuthorizationEndpoint, md.TokenEndpoint
		if registrationURL == "" {
			registrationURL = md.RegistrationEndpoint
		}
		if len(scopes) == 0 {
			scopes = md.ScopesSupported
		}
	}

	clientID, secret := resolveClient(req, oc)
	if clientID == "" {
		if registrationURL == "" {
			return nil, fmt.Errorf("%w for %s: set oauth.client_id or oauth.client_id_env", ErrNoClientID, req.Server.ID)
		}
		id, regSecret, err := Register(ctx, c.httpClient(), registrationURL, redirect, scopes)
		if err != nil {
			return nil, err
		}
		clientID = id
		if secret == "" {
			secret = regSecret
		}
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		RedirectURL:  redirect,
		Scopes:       scopes,
	}
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	return &Pending{
		ServerID:    req.Server.ID,
		RedirectURI: redirect,
		Config:      cfg,
		Verifier:    verifier,
		State:       state,
		AuthURL:     cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// resolveClient: client id from config, env, local cache, then memory store;
// secret from config then env.
func resolveClient(req Request, oc config.OAuthConfig) (string, string) {
	clientID := strings.TrimSpace(oc.ClientID)
	if clientID == "" && oc.ClientIDEnv != "" {
		clientID = strings.TrimSpace(os.Getenv(oc.ClientIDEnv))
	}
	if clientID == "" {
		clientID = strings.TrimSpace(req.CachedClientID)
	}
	if clientID == "" && strings.TrimSpace(oc.RedirectURI) != "" {
		clientID = strings.TrimSpace(req.StoredClientID)
	}
	secret := strings.TrimSpace(oc.ClientSecret)
	if secret == "" && oc.ClientSecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(oc.ClientSecretEnv))
	}
	return clientID, secret
}

func (c *Controller) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
