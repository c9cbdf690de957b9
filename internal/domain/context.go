package domain

import "context"

type contextKey string

const conversationIDKey contextKey = "conversation_id"

// ContextWithConversationID returns a context carrying the conversation id.
func ContextWithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation id, or "" if absent.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey).(string); ok {
		return v
	}
	return ""
}
