package usecase

import (
	"context"
	"time"

	"carely/internal/domain"
)

// Greeting is the fixed assistant turn every new conversation opens with.
const Greeting = "Hi! I'm Carely, your primary care assistant. What brings you in today?"

// StartConversation creates a conversation for the principal and seeds it
// with the greeting turn.
func StartConversation(ctx context.Context, store domain.TranscriptStore, principalID string) (*domain.Conversation, error) {
	const op = "usecase.StartConversation"

	conv, err := store.Create(ctx, principalID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	greeting := domain.Turn{
		ID:        NewTurnID(),
		Role:      domain.RoleAssistant,
		Parts:     []domain.Part{domain.TextPart(Greeting)},
		CreatedAt: time.Now(),
	}
	if err := store.Append(ctx, conv.ID, principalID, []domain.Turn{greeting}); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	conv.Turns = append(conv.Turns, greeting)
	return conv, nil
}
