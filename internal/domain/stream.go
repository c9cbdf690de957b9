package domain

// StreamDeltaPayload is the payload for EventStreamDelta events.
// Published for each incremental chunk during a streaming model response.
type StreamDeltaPayload struct {
	Content   string         `json:"content,omitempty"`
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Step      int            `json:"step"`
}

// StreamCompletedPayload is the payload for EventStreamCompleted events.
// Published once when the assistant turn has fully settled.
type StreamCompletedPayload struct {
	TurnID  string `json:"turn_id"`
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload is the payload for EventStreamError events.
type StreamErrorPayload struct {
	Error string `json:"error"`
}

// ToolCallEventPayload is the payload for tool lifecycle events.
type ToolCallEventPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}
