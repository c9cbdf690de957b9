package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
)

// HistoryTool records medical facts the patient shared so future
// conversations carry them as background context.
type HistoryTool struct {
	store  domain.HistoryStore
	logger *slog.Logger
}

// NewHistoryTool creates the history recording tool.
func NewHistoryTool(store domain.HistoryStore, logger *slog.Logger) *HistoryTool {
	return &HistoryTool{store: store, logger: logger}
}

func (t *HistoryTool) Name() string { return "addToHistory" }
func (t *HistoryTool) Description() string {
	return "Record new medical facts the patient shared (conditions, allergies, " +
		"medications, past procedures) in their history. Write each fact as one " +
		"short self-contained sentence."
}
func (t *HistoryTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }

func (t *HistoryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"facts": {
					"type": "array",
					"items": {"type": "string"},
					"minItems": 1,
					"description": "New facts to record, one sentence each"
				},
				"userId": {
					"type": "string",
					"description": "The patient's user id from the patient information section"
				}
			},
			"required": ["facts", "userId"]
		}`),
	}
}

type historyInput struct {
	Facts  []string `json:"facts"`
	UserID string   `json:"userId"`
}

type historyOutput struct {
	Success    bool `json:"success"`
	FactsAdded int  `json:"factsAdded"`
}

func (t *HistoryTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.add_to_history", t.logger, input,
		func(ctx context.Context, _ trace.Span, p historyInput) (any, error) {
			if err := RequireField("userId", p.UserID); err != nil {
				return nil, err
			}
			if len(p.Facts) == 0 {
				return nil, fmt.Errorf("%q must contain at least one fact", "facts")
			}

			if err := t.store.AddFacts(ctx, p.UserID, p.Facts); err != nil {
				return nil, err
			}

			t.logger.Info("history facts recorded", "user_id", p.UserID, "count", len(p.Facts))
			return historyOutput{Success: true, FactsAdded: len(p.Facts)}, nil
		},
	)
}
