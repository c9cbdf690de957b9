package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"carely/internal/domain"
)

// labelSystemPrompt instructs the model to compress the patient's first
// message into a short visit description, or emit the skip sentinel when
// the message is not medically relevant.
const labelSystemPrompt = `You generate very brief appointment descriptions (2-5 words) for medical visits based on the patient's first message.
Examples:
- "I have a headache" -> "Headache"
- "My throat hurts and I have a fever" -> "Sore throat, fever"
- "I think I sprained my ankle yesterday" -> "Ankle injury"
- "I've been feeling really tired lately" -> "Fatigue"
- "I have a rash on my arm" -> "Skin rash"

If the message is not medically relevant (just a greeting, gibberish, or off-topic), respond with exactly "SKIP".
Only output the brief description or "SKIP", nothing else.`

const labelSkipSentinel = "SKIP"

const labelTimeout = 15 * time.Second

// Labeler derives a short conversation label from the first human message
// via a secondary model call. It is fire-and-forget telemetry: no retry,
// failures are logged and swallowed, and it never blocks turn persistence.
type Labeler struct {
	provider domain.ModelProvider
	store    domain.TranscriptStore
	logger   *slog.Logger
	model    string
}

// NewLabeler creates a labeler using the given provider and model.
func NewLabeler(provider domain.ModelProvider, store domain.TranscriptStore, logger *slog.Logger, model string) *Labeler {
	return &Labeler{provider: provider, store: store, logger: logger, model: model}
}

// DeriveAndStore derives a label for the conversation and records it.
// Safe to call from a detached goroutine.
func (l *Labeler) DeriveAndStore(ctx context.Context, conversationID, firstHumanText string) {
	ctx, cancel := context.WithTimeout(ctx, labelTimeout)
	defer cancel()

	label, err := l.Derive(ctx, firstHumanText)
	if err != nil {
		l.logger.Warn("label derivation failed", "conversation_id", conversationID, "error", err)
		return
	}
	if label == "" {
		return
	}
	if err := l.store.SetLabel(ctx, conversationID, label); err != nil {
		l.logger.Warn("label store failed", "conversation_id", conversationID, "error", err)
	}
}

// Derive returns the label for the given first message, or "" when the
// model signalled the text is not worth labeling.
func (l *Labeler) Derive(ctx context.Context, firstHumanText string) (string, error) {
	resp, err := l.provider.Chat(ctx, domain.ChatRequest{
		Model: l.model,
		Messages: []domain.WireMessage{
			{Role: domain.RoleSystem, Content: labelSystemPrompt},
			{Role: domain.RoleHuman, Content: firstHumanText},
		},
	})
	if err != nil {
		return "", err
	}

	label := strings.TrimSpace(resp.Message.Content)
	label = strings.Trim(label, `"`)
	if label == labelSkipSentinel || label == "" {
		return "", nil
	}
	return label, nil
}
