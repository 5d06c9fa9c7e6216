package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"memini/internal/config"
	"memini/internal/mcp"
	"memini/internal/oauth"
	"memini/internal/provider"
)

const connectTimeout = 30 * time.Second

func (a *App) cmdMCP(args string) {
	sub, rest := splitArg(args)
	switch sub {
	case "", "list", "ls":
		a.listServers()
	case "status":
		a.mcpStatus()
	case "connect", "use":
		server, ok := a.server(rest)
		if !ok {
			return
		}
		a.connect(server)
	case "disconnect":
		a.disconnect(rest)
	case "tools":
		a.listTools(rest)
	case "call":
		a.callTool(rest)
	case "token":
		a.setToken(rest)
	case "auth":
		a.beginAuth(rest)
	case "auth-code", "code":
		a.manualAuth(rest)
	default:
		a.log.Add(Warn, "usage: /mcp [list|status|connect|disconnect|tools|call|token|auth|auth-code]")
	}
}

func (a *App) server(id string) (config.MCPServerConfig, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		a.log.Add(Warn, "server id required; see /mcp list")
		return config.MCPServerConfig{}, false
	}
	s, ok := a.cfg.Server(id)
	if !ok {
		a.log.Add(Warn, fmt.Sprintf("%v: %s; see /mcp list", ErrUnknownServer, id))
	}
	return s, ok
}

func (a *App) listServers() {
	if len(a.cfg.MCP.Servers) == 0 {
		a.say("No MCP servers configured. Add them under mcp.servers in .memini.json.")
		return
	}
	var b strings.Builder
	b.WriteString("MCP servers:\n")
	for _, s := range a.cfg.MCP.Servers {
		state := "disconnected"
		if a.pool != nil && a.pool.Connected(s.ID) {
			state = fmt.Sprintf("connected, %d tools", len(a.pool.Tools(s.ID)))
		}
		_, source := mcp.ResolveToken(a.ctx, s, a.creds, a.store)
		if source == mcp.SourceNone {
			source = "no token"
		} else {
			source = "token from " + source
		}
		fmt.Fprintf(&b, "  %-12s %s (%s; %s)\n", s.ID, s.URL, state, source)
	}
	a.say(strings.TrimRight(b.String(), "\n"))
}

func (a *App) mcpStatus() {
	var b strings.Builder
	if a.pool == nil || len(a.pool.Statuses()) == 0 {
		b.WriteString("No active MCP connections.")
	} else {
		b.WriteString("Connections:")
		for _, st := range a.pool.Statuses() {
			fmt.Fprintf(&b, "\n  %s %s, %d tools, since %s", st.ID, st.URL, st.Tools, st.ConnectedAt.Format(time.Kitchen))
		}
	}
	fmt.Fprintf(&b, "\nOAuth: %s", a.oauth.Phase())
	if p, ok := a.oauth.Pending(); ok {
		fmt.Fprintf(&b, " (pending for %s; finish with /mcp auth-code %s <code-or-url>)", p.ServerID, p.ServerID)
	}
	a.say(b.String())
}

// connect resolves a token and connects in the background.
func (a *App) connect(server config.MCPServerConfig) {
	if a.pool == nil {
		a.log.Add(Error, "MCP pool is not configured")
		return
	}
	token, source := mcp.ResolveToken(a.ctx, server, a.creds, a.store)
	if token == "" && server.OAuth != nil {
		a.log.Add(Warn, fmt.Sprintf("no token for %s; run /mcp auth %s or /mcp token %s <bearer>", server.ID, server.ID, server.ID))
		return
	}
	a.log.Add(Info, fmt.Sprintf("connecting to %s (%s)", server.ID, server.URL))
	ctx, pool, emit := a.ctx, a.pool, a.bus.Emit
	go func() {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		infos, err := pool.Connect(cctx, server, token)
		emit(Connected{ServerID: server.ID, Source: source, Tools: infos, Err: err})
	}()
}

func (a *App) finishConnect(c Connected) {
	if c.Err != nil {
		a.log.Add(Error, fmt.Sprintf("connect %s failed: %v (set a token with /mcp token %s <bearer>)", c.ServerID, c.Err, c.ServerID))
		return
	}
	msg := fmt.Sprintf("connected to %s: %d tools", c.ServerID, len(c.Tools))
	if c.Source != mcp.SourceNone {
		msg += " (token from " + c.Source + ")"
	}
	a.log.Add(Info, msg)
	if a.store != nil {
		if err := a.store.SetVariable(a.ctx, ActiveMCPVar, c.ServerID, variableSource); err != nil {
			a.log.Add(Warn, fmt.Sprintf("remember active server: %v", err))
		}
	}
}

func (a *App) disconnect(id string) {
	id = strings.TrimSpace(id)
	if a.pool == nil || id == "" {
		a.log.Add(Warn, "usage: /mcp disconnect <id>")
		return
	}
	if err := a.pool.Disconnect(id); err != nil {
		a.log.Add(Warn, fmt.Sprintf("disconnect %s: %v", id, err))
		return
	}
	if a.store != nil {
		if cur, ok, err := a.store.GetVariable(a.ctx, ActiveMCPVar); err == nil && ok && strings.EqualFold(cur, id) {
			_ = a.store.DeleteVariable(a.ctx, ActiveMCPVar)
		}
	}
	a.log.Add(Info, "disconnected from "+id)
}

func (a *App) listTools(id string) {
	if a.pool == nil {
		a.say("No MCP tools.")
		return
	}
	var infos []mcp.ToolInfo
	if id = strings.TrimSpace(id); id != "" {
		infos = a.pool.Tools(id)
	} else {
		infos = a.pool.Tools()
	}
	if len(infos) == 0 {
		a.say("No MCP tools. Connect with /mcp connect <id>.")
		return
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Server != infos[j].Server {
			return infos[i].Server < infos[j].Server
		}
		return infos[i].Name < infos[j].Name
	})
	var b strings.Builder
	b.WriteString("MCP tools:")
	for _, t := range infos {
		fmt.Fprintf(&b, "\n  %s/%s  %s", t.Server, t.Name, preview(t.Description, 70))
	}
	a.say(b.String())
}

func (a *App) callTool(args string) {
	fields := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if a.pool == nil || len(fields) < 2 {
		a.log.Add(Warn, "usage: /mcp call <id> <tool> [json]")
		return
	}
	server, tool := fields[0], fields[1]
	raw := json.RawMessage(`{}`)
	if len(fields) == 3 && strings.TrimSpace(fields[2]) != "" {
		raw = json.RawMessage(strings.TrimSpace(fields[2]))
		if !json.Valid(raw) {
			a.log.Add(Warn, "tool arguments must be a JSON object")
			return
		}
	}
	if !a.pool.Connected(server) {
		a.log.Add(Warn, fmt.Sprintf("%s is not connected; use /mcp connect %s", server, server))
		return
	}
	ctx, pool, emit := a.ctx, a.pool, a.bus.Emit
	go func() {
		out, err := pool.CallTool(ctx, server, tool, raw)
		emit(ToolCalled{ServerID: server, Tool: tool, Output: out, Err: err})
	}()
}

// setToken stores a bearer locally and in memory, then reconnects.
func (a *App) setToken(args string) {
	id, token := splitArg(args)
	if id == "" || token == "" {
		a.log.Add(Warn, "usage: /mcp token <id> <bearer>")
		return
	}
	server, ok := a.server(id)
	if !ok {
		return
	}
	a.persistTokens(server.ID, token, "", "")
	a.log.Add(Info, fmt.Sprintf("token for %s saved (%s)", server.ID, provider.MaskKey(token)))
	a.connect(server)
}

// persistTokens writes the credential cache and mirrors the values into the
// memory store. Either failure degrades to the other copy.
func (a *App) persistTokens(id, token, refresh, clientID string) {
	if a.creds != nil {
		a.creds.Put(id, token, refresh, clientID)
		if err := a.creds.Save(); err != nil {
			a.log.Add(Warn, fmt.Sprintf("credential cache not saved: %v", err))
		}
	}
	if a.store == nil {
		return
	}
	vars := [][2]string{{mcp.TokenVar(id), token}, {mcp.RefreshVar(id), refresh}, {mcp.ClientVar(id), clientID}}
	for _, kv := range vars {
		if kv[1] == "" {
			continue
		}
		if err := a.store.SetVariable(a.ctx, kv[0], kv[1], variableSource); err != nil {
			a.log.Add(Warn, fmt.Sprintf("memory store did not keep %s, using the local cache only: %v", kv[0], err))
			return
		}
	}
}

func (a *App) beginAuth(id string) {
	server, ok := a.server(id)
	if !ok {
		return
	}
	req := oauth.Request{Server: server}
	if a.creds != nil {
		req.CachedClientID = a.creds.ClientID(server.ID)
	}
	if a.store != nil {
		if v, ok, err := a.store.GetVariable(a.ctx, mcp.ClientVar(server.ID)); err == nil && ok {
			req.StoredClientID = v
		}
	}
	flow, ctx := a.oauth.Begin(a.ctx)
	ctrl := a.oauth
	emit := a.bus.Emit
	go ctrl.Run(ctx, flow, req, func(ev oauth.Event) { emit(ev) })
	a.log.Add(Info, "starting OAuth for "+server.ID)
}

func (a *App) manualAuth(args string) {
	id, input := splitArg(args)
	if id == "" || input == "" {
		a.log.Add(Warn, "usage: /mcp auth-code <id> <code-or-redirect-url>")
		return
	}
	pending, code, flow, err := a.oauth.Manual(id, input)
	if err != nil {
		a.log.Add(Warn, fmt.Sprintf("auth-code: %v", err))
		return
	}
	ctrl, ctx, emit := a.oauth, a.ctx, a.bus.Emit
	go func() {
		ev := oauth.Event{ServerID: pending.ServerID, Flow: flow, Manual: true}
		grant, err := ctrl.Exchange(ctx, pending, code)
		if err != nil {
			ev.Kind, ev.Err = oauth.EventFailed, err
		} else {
			ev.Kind, ev.Grant = oauth.EventGranted, grant
		}
		emit(ev)
	}()
	a.log.Add(Info, "exchanging authorization code for "+pending.ServerID)
}
