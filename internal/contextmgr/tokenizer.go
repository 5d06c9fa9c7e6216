package contextmgr

import (
	"strings"
	"sync"

	"memini/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer 基于 tiktoken 的 token 计数，BPE 不可用时回退到启发式估算
// Tokenizer counts tokens with tiktoken and falls back to a heuristic when
// the BPE tables cannot be loaded (offline first run).
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.Mutex
}

// NewTokenizerForModel 根据模型名选择编码
// NewTokenizerForModel picks the encoding for a model name.
func NewTokenizerForModel(model string) *Tokenizer {
	name := modelToEncoding(model)
	t := &Tokenizer{encodingName: name}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// Count 计算消息列表的总 token 数
// Count returns the total token count for a message list.
func (t *Tokenizer) Count(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		// ~4 tokens of framing per message
		total += 4 + t.CountText(msg.Content) + t.CountText(msg.Role)
		for _, tc := range msg.ToolCalls {
			total += 8 + t.CountText(tc.Function.Name) + t.CountText(tc.Function.Arguments)
		}
	}
	return total
}

// CountText 计算单个文本的 token 数
// CountText counts tokens for a single string.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback || t.encoder == nil {
		return heuristicTokenCount(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// IsPrecise 是否使用 tiktoken 精确计数
// IsPrecise reports whether tiktoken counting is active.
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback && t.encoder != nil
}

// heuristicTokenCount: CJK ~1.5 tokens per rune, other text ~4 chars per token.
func heuristicTokenCount(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(other)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "chatgpt-4o"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}
