package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"memini/internal/chat"
)

var (
	toolCallBlockPattern = regexp.MustCompile(`(?is)<tool_call>\s*(.*?)\s*</tool_call>`)
	functionCallPattern  = regexp.MustCompile(`(?is)<function=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</function>`)
	parameterPattern     = regexp.MustCompile(`(?is)<parameter=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</parameter>`)
)

// recoverToolCalls turns tool-call markup some OpenAI-compatible backends
// leave in message content into structured calls. Two shapes are accepted:
//
//	<tool_call>{"name":"x","arguments":{...}}</tool_call>
//	<tool_call><function=x><parameter=k>v</parameter></function></tool_call>
//
// Only names present in defs are recovered; other blocks stay in the text.
func recoverToolCalls(content string, defs []chat.ToolDef) ([]chat.ToolCall, string) {
	if strings.TrimSpace(content) == "" || len(defs) == 0 {
		return nil, content
	}
	known := make(map[string]string, len(defs))
	for _, d := range defs {
		if name := strings.TrimSpace(d.Function.Name); name != "" {
			known[strings.ToLower(name)] = name
		}
	}
	matches := toolCallBlockPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, content
	}

	var calls []chat.ToolCall
	var cleaned strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		cleaned.WriteString(content[last:start])
		last = end
		name, args, ok := parseMarkup(strings.TrimSpace(content[m[2]:m[3]]), known)
		if !ok {
			cleaned.WriteString(content[start:end])
			continue
		}
		calls = append(calls, chat.ToolCall{
			ID:       fmt.Sprintf("recovered_call_%d", len(calls)+1),
			Type:     "function",
			Function: chat.ToolCallFunction{Name: name, Arguments: args},
		})
	}
	cleaned.WriteString(content[last:])
	return calls, strings.TrimSpace(cleaned.String())
}

func parseMarkup(inner string, known map[string]string) (string, string, bool) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(inner), &payload); err == nil {
		name, ok := known[strings.ToLower(strings.TrimSpace(payload.Name))]
		if !ok {
			return "", "", false
		}
		raw := bytes.TrimSpace(payload.Arguments)
		if len(raw) == 0 {
			return name, "{}", true
		}
		var obj map[string]any
		if raw[0] != '{' || json.Unmarshal(raw, &obj) != nil {
			return "", "", false
		}
		data, _ := json.Marshal(obj)
		return name, string(data), true
	}

	m := functionCallPattern.FindStringSubmatch(inner)
	if len(m) != 3 {
		return "", "", false
	}
	name, ok := known[strings.ToLower(strings.TrimSpace(m[1]))]
	if !ok {
		return "", "", false
	}
	params := map[string]any{}
	for _, pm := range parameterPattern.FindAllStringSubmatch(m[2], -1) {
		if key := strings.TrimSpace(pm[1]); key != "" {
			params[key] = strings.TrimSpace(pm[2])
		}
	}
	if len(params) == 0 {
		return "", "", false
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", "", false
	}
	return name, string(data), true
}
