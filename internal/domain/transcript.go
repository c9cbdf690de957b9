package domain

import (
	"context"
	"encoding/json"
)

// TranscriptStore is the durable record of conversations.
//
// Append is atomic per call: either every turn in the batch is persisted or
// none is. It is also idempotent: re-appending a batch of turns whose IDs
// are already present leaves the transcript unchanged. Both Append and Read
// reject callers that are not the conversation's principal with ErrForbidden.
type TranscriptStore interface {
	// Create starts a new conversation owned by principalID.
	Create(ctx context.Context, principalID string) (*Conversation, error)
	// Get returns conversation metadata (no turns).
	Get(ctx context.Context, conversationID, principalID string) (*Conversation, error)
	// Append persists a batch of turns at the end of the conversation.
	Append(ctx context.Context, conversationID, principalID string, turns []Turn) error
	// Read returns the full ordered transcript, hidden turns included.
	// Tool calls with a recorded resolution are returned in resolved state.
	Read(ctx context.Context, conversationID, principalID string) ([]Turn, error)
	// ResolveToolCall durably records the resolution of a tool call.
	// Exactly-once: a second resolution attempt for the same toolCallID
	// fails with ErrDuplicateResolution and leaves the first value intact.
	ResolveToolCall(ctx context.Context, conversationID, principalID, toolCallID string, output json.RawMessage, isError bool) error
	// SetLabel records the auto-derived conversation label. Best-effort
	// callers ignore the error.
	SetLabel(ctx context.Context, conversationID, label string) error
}

// HistoryStore keeps per-principal medical history facts that are appended
// to the system prompt and written through the addToHistory tool.
type HistoryStore interface {
	AddFacts(ctx context.Context, principalID string, facts []string) error
	Facts(ctx context.Context, principalID string) ([]string, error)
}
