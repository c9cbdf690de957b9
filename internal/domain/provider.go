package domain

import "context"

// ChatRequest is sent to a model provider. Messages is the flattened wire
// transcript: turns reduced to role/content/tool-call messages.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []WireMessage `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// WireMessage is a single flattened message in the provider wire format.
// Tool-result messages carry the ToolCallID they answer.
type WireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// WireToolCall is a tool invocation as carried on the wire. In streaming
// deltas, Index is the provider-assigned call slot: fragments of the same
// call share an index, and parallel calls arrive under distinct indices.
type WireToolCall struct {
	Index     int    `json:"index,omitempty"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments []byte `json:"arguments"`
}

// ModelTurn is a completed model response: text plus requested tool calls.
type ModelTurn struct {
	Content   string         `json:"content"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
}

// ChatResponse is returned from a model provider.
type ChatResponse struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Message ModelTurn `json:"message"`
	Usage   Usage     `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelProvider is the interface for any model backend.
type ModelProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming model response.
// Tool calls arrive fragmented: the first delta for a call slot carries ID
// and Name, subsequent deltas append argument bytes.
type StreamDelta struct {
	Content   string         `json:"content,omitempty"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
}

// StreamingModelProvider extends ModelProvider with streaming support.
type StreamingModelProvider interface {
	ModelProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
