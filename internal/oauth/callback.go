package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const callbackPage = `<!doctype html><html><body style="font-family:sans-serif">
<h3>%s</h3><p>You can close this window and return to the terminal.</p></body></html>`

// callbackResult is delivered once by the listener.
type callbackResult struct {
	code  string
	state string
	err   error
}

// callbackServer is a one-shot loopback listener for the authorization redirect.
type callbackServer struct {
	listener net.Listener
	path     string
	redirect string
	results  chan callbackResult
	server   *http.Server
}

// listenCallback binds the redirect address. An empty redirect binds an
// ephemeral loopback port with path /callback.
func listenCallback(redirectURI string) (*callbackServer, error) {
	host, path := "127.0.0.1:0", "/callback"
	if strings.TrimSpace(redirectURI) != "" {
		u, err := url.Parse(redirectURI)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: bad redirect uri %q", ErrCallback, redirectURI)
		}
		host = u.Host
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
		if u.Path != "" {
			path = u.Path
		}
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrCallback, host, err)
	}
	redirect := redirectURI
	if strings.TrimSpace(redirect) == "" {
		redirect = fmt.Sprintf("http://%s%s", ln.Addr().String(), path)
	}
	cs := &callbackServer{
		listener: ln,
		path:     path,
		redirect: redirect,
		results:  make(chan callbackResult, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, cs.handle)
	cs.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = cs.server.Serve(ln) }()
	return cs, nil
}

// handle accepts the first redirect and ignores later ones.
func (cs *callbackServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var res callbackResult
	switch {
	case q.Get("error") != "":
		res.err = fmt.Errorf("%w: %s %s", ErrDenied, q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	default:
		res.code, res.state = q.Get("code"), q.Get("state")
	}
	select {
	case cs.results <- res:
	default:
	}
	title := "Authorization complete"
	if res.err != nil {
		title = "Authorization failed"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, callbackPage, title)
}

// wait blocks for one callback, ctx cancellation, or the timeout, then shuts
// the listener down.
func (cs *callbackServer) wait(ctx context.Context, timeout time.Duration, state string) (string, error) {
	defer cs.close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-cs.results:
		if res.err != nil {
			return "", res.err
		}
		if res.state != state {
			return "", ErrStateMismatch
		}
		return res.code, nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrCallbackTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (cs *callbackServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = cs.server.Close()
	}
}

// ExtractCode accepts a pasted redirect URL or a raw authorization code.
// When the URL carries a state it must match.
func ExtractCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty code", ErrBadCode)
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}
	raw := input
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[i+1:]
	}
	if i := strings.Index(raw, "#"); i >= 0 {
		raw = raw[:i]
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCode, err)
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("%w: %s", ErrDenied, e)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: no code parameter", ErrBadCode)
	}
	if s := q.Get("state"); s != "" && state != "" && s != state {
		return "", ErrStateMismatch
	}
	return code, nil
}
