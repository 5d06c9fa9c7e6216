package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"memini/internal/chat"
	"memini/internal/provider"
	"memini/internal/tools"
)

// RemoteCaller invokes a tool on a connected server.
type RemoteCaller interface {
	CallTool(ctx context.Context, server, name string, args json.RawMessage) (string, error)
}

// Builtins executes spawn_agent and collect_results. Collect must not block.
type Builtins interface {
	Spawn(ctx context.Context, args tools.SpawnArgs) (any, error)
	Collect(key string) any
}

// Dispatch is everything a loop needs to execute tool calls.
type Dispatch struct {
	Catalog  *tools.Catalog
	Remote   RemoteCaller
	Builtins Builtins
}

// Loop runs the bounded call-model / run-tools cycle. It is shared by the
// chat engine, agent sessions and background task runs.
type Loop struct {
	Provider provider.Provider
	MaxLoops int
	// OnText receives streamed text chunks. Optional.
	OnText func(chunk string)
	// OnTool is told about each call before it runs. Optional.
	OnTool func(target tools.Target, args string)
}

// Outcome is the result of one loop run.
type Outcome struct {
	Text      string
	ToolCalls int
	Loops     int
	Exhausted bool
	Usage     provider.Usage
}

// Run calls the model with messages and keeps executing requested tools,
// feeding their output back, until the model answers without tool calls or
// MaxLoops rounds of tools have run. Only a model failure is returned as an
// error; tool failures become {"error": ...} tool output.
func (l *Loop) Run(ctx context.Context, messages []chat.Message, d Dispatch) (Outcome, error) {
	var out Outcome
	var defs []chat.ToolDef
	if d.Catalog != nil {
		defs = d.Catalog.Definitions()
	}
	msgs := append([]chat.Message(nil), messages...)

	resp, err := l.chat(ctx, msgs, defs, &out)
	if err != nil {
		return out, err
	}
	for len(resp.ToolCalls) > 0 {
		if out.Loops >= l.MaxLoops {
			out.Exhausted = true
			break
		}
		out.Loops++
		msgs = append(msgs, chat.Message{Role: chat.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out.ToolCalls++
			msgs = append(msgs, chat.ToolResult(call, l.execute(ctx, call, d)))
		}
		if resp, err = l.chat(ctx, msgs, defs, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (l *Loop) chat(ctx context.Context, msgs []chat.Message, defs []chat.ToolDef, out *Outcome) (provider.ChatResponse, error) {
	var cb *provider.StreamCallbacks
	if l.OnText != nil {
		cb = &provider.StreamCallbacks{OnTextChunk: l.OnText}
	}
	resp, err := l.Provider.Chat(ctx, provider.ChatRequest{
		Model:    l.Provider.CurrentModel(),
		Messages: msgs,
		Tools:    defs,
	}, cb)
	if err != nil {
		return provider.ChatResponse{}, fmt.Errorf("model call: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		if recovered, cleaned := recoverToolCalls(resp.Content, defs); len(recovered) > 0 {
			resp.ToolCalls, resp.Content = recovered, cleaned
		}
	}
	if strings.TrimSpace(resp.Content) != "" {
		out.Text = resp.Content
	}
	out.Usage.PromptTokens += resp.Usage.PromptTokens
	out.Usage.CompletionTokens += resp.Usage.CompletionTokens
	out.Usage.TotalTokens += resp.Usage.TotalTokens
	return resp, nil
}

// execute resolves the call once into the dispatch union and runs it.
func (l *Loop) execute(ctx context.Context, call chat.ToolCall, d Dispatch) string {
	target := tools.Target{Kind: tools.KindUnknown, Name: call.Function.Name}
	if d.Catalog != nil {
		target = d.Catalog.Resolve(call.Function.Name)
	}
	if l.OnTool != nil {
		l.OnTool(target, call.Function.Arguments)
	}
	output, err := run(ctx, target, call.Function.Arguments, d)
	if err != nil {
		return tools.ErrorOutput(err)
	}
	return output
}

func run(ctx context.Context, target tools.Target, args string, d Dispatch) (string, error) {
	if (target.Kind == tools.KindSpawn || target.Kind == tools.KindCollect) && d.Builtins == nil {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, target.Name)
	}
	switch target.Kind {
	case tools.KindSpawn:
		in, err := tools.ParseSpawnArgs(args)
		if err != nil {
			return "", err
		}
		res, err := d.Builtins.Spawn(ctx, in)
		if err != nil {
			return "", err
		}
		return tools.ResultOutput(res), nil
	case tools.KindCollect:
		key, err := tools.ParseCollectArgs(args)
		if err != nil {
			return "", err
		}
		return tools.ResultOutput(d.Builtins.Collect(key)), nil
	case tools.KindRemote:
		if d.Remote == nil {
			return "", fmt.Errorf("no tool server connection for %s", target.Server)
		}
		return d.Remote.CallTool(ctx, target.Server, target.Tool, json.RawMessage(args))
	case tools.KindLocal:
		return d.Catalog.Local().Execute(ctx, target.Tool, json.RawMessage(args))
	default:
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, target.Name)
	}
}
