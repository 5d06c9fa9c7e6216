package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memini/internal/config"
	"memini/internal/provider"
)

func (a *App) cmdOpenAI(args string) {
	if a.provider == nil {
		a.log.Add(Error, "no model provider configured")
		return
	}
	sub, rest := splitArg(args)
	switch sub {
	case "":
		state := "not set"
		if a.provider.HasAPIKey() {
			state = "set"
		}
		if a.store != nil {
			if key, ok, err := a.store.GetVariable(a.ctx, OpenAIKeyVar); err == nil && ok && key != "" {
				state += ", stored " + provider.MaskKey(key)
			}
		}
		a.say(fmt.Sprintf("OpenAI key: %s\nModel: %s", state, a.provider.CurrentModel()))
	case "key", "set":
		a.setAPIKey(rest, "command")
	case "import-env":
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			a.log.Add(Warn, "OPENAI_API_KEY is not set in the environment")
			return
		}
		a.setAPIKey(key, "environment")
	case "clear":
		if a.store == nil {
			return
		}
		if err := a.store.DeleteVariable(a.ctx, OpenAIKeyVar); err != nil {
			a.log.Add(Error, fmt.Sprintf("clear stored key: %v", err))
			return
		}
		a.log.Add(Info, "stored OpenAI key removed; the current session keeps its key until restart")
	default:
		a.log.Add(Warn, "usage: /openai [key <key>|import-env|clear]")
	}
}

func (a *App) setAPIKey(key, from string) {
	key = strings.TrimSpace(key)
	if key == "" {
		a.log.Add(Warn, "usage: /openai key <key>")
		return
	}
	if err := a.provider.SetAPIKey(key); err != nil {
		a.log.Add(Error, fmt.Sprintf("set API key: %v", err))
		return
	}
	if a.store != nil {
		if err := a.store.SetVariable(a.ctx, OpenAIKeyVar, key, variableSource); err != nil {
			a.log.Add(Warn, fmt.Sprintf("key is active but was not stored: %v", err))
			return
		}
	}
	a.log.Add(Info, fmt.Sprintf("OpenAI key %s set from %s", provider.MaskKey(key), from))
}

func (a *App) cmdModel(args string) {
	if a.provider == nil {
		return
	}
	model := strings.TrimSpace(args)
	if model == "" {
		a.say("Current model: " + a.provider.CurrentModel() + ". Usage: /model [save] <name>")
		return
	}
	save := false
	if sub, rest := splitArg(model); sub == "save" && rest != "" {
		save, model = true, rest
	}
	if err := a.provider.SetModel(model); err != nil {
		a.log.Add(Error, fmt.Sprintf("set model: %v", err))
		return
	}
	a.log.Add(Info, "model set to "+a.provider.CurrentModel())
	if !save {
		return
	}
	if a.projectDir == "" {
		a.log.Add(Warn, "no project directory; model not saved")
		return
	}
	if err := config.WriteProviderModel(a.projectDir, model); err != nil {
		a.log.Add(Warn, fmt.Sprintf("save model: %v", err))
		return
	}
	a.log.Add(Info, "model saved to "+filepath.Join(a.projectDir, ".memini.json"))
}

func (a *App) cmdTools(args string) {
	if a.engine == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		a.engine.SetLocalTools(true)
	case "off":
		a.engine.SetLocalTools(false)
	case "":
		a.engine.SetLocalTools(!a.engine.LocalToolsEnabled())
	default:
		a.log.Add(Warn, "usage: /tools [on|off]")
		return
	}
	state := "off"
	if a.engine.LocalToolsEnabled() {
		state = "on"
	}
	a.log.Add(Info, "local tools "+state)
}
