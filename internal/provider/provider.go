package provider

import (
	"context"
	"errors"

	"memini/internal/chat"
)

// ErrNoAPIKey 未配置 API key
// ErrNoAPIKey reports that no API key is configured
var ErrNoAPIKey = errors.New("api key not configured")

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Tools       []chat.ToolDef
	Temperature *float64
	MaxTokens   int
}

// StreamCallbacks 流式响应的回调集
// StreamCallbacks is the callback set for streaming responses
type StreamCallbacks struct {
	OnTextChunk func(chunk string)
	OnToolCall  func(call chat.ToolCall)
}

// Usage token 用量统计
// Usage reports token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse 完整响应
// ChatResponse is the complete response
type ChatResponse struct {
	Content      string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider 模型提供方接口
// Provider is the language-model client contract used by the engine, sessions and daemons
type Provider interface {
	// Chat 发送聊天请求并返回响应
	// Chat sends a request and returns the assembled response
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)

	// Embed 返回文本向量；不支持时返回错误
	// Embed returns an embedding vector for text
	Embed(ctx context.Context, text string) ([]float32, error)

	// CurrentModel 返回当前活跃模型
	// CurrentModel returns the current active model
	CurrentModel() string

	// SetModel 切换活跃模型
	// SetModel switches the active model
	SetModel(model string) error
}
