package app

import (
	"fmt"

	"memini/internal/oauth"
)

func (a *App) applyOAuth(ev oauth.Event) {
	grant, ok := a.oauth.Apply(ev)
	switch ev.Kind {
	case oauth.EventPrepared:
		if p, has := a.oauth.Pending(); has && p.ServerID == ev.ServerID {
			a.log.Add(Info, fmt.Sprintf("authorize %s in the browser; if it did not open, visit %s", ev.ServerID, p.AuthURL))
			a.log.Add(Info, fmt.Sprintf("callback at %s; or paste the redirect with /mcp auth-code %s <url>", p.RedirectURI, ev.ServerID))
		}
	case oauth.EventBrowserFailed:
		if p, has := a.oauth.Pending(); has && p == ev.Pending {
			a.log.Add(Warn, fmt.Sprintf("browser did not open (%v); visit %s", ev.Err, p.AuthURL))
		}
	case oauth.EventTimedOut:
		if _, has := a.oauth.Pending(); has {
			a.log.Add(Warn, fmt.Sprintf("no OAuth callback for %s; finish with /mcp auth-code %s <code-or-redirect-url>", ev.ServerID, ev.ServerID))
		}
	case oauth.EventFailed:
		if a.oauth.Phase() == oauth.PhaseIdle {
			a.log.Add(Error, fmt.Sprintf("OAuth for %s failed: %v", ev.ServerID, ev.Err))
		}
	}
	if !ok || grant == nil {
		return
	}
	a.persistTokens(grant.ServerID, grant.AccessToken, grant.RefreshToken, grant.ClientID)
	how := "browser callback"
	if ev.Manual {
		how = "pasted code"
	}
	a.log.Add(Info, fmt.Sprintf("OAuth for %s completed by %s", grant.ServerID, how))
	if server, found := a.cfg.Server(grant.ServerID); found {
		a.connect(server)
	}
}
