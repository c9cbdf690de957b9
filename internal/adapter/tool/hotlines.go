package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"carely/internal/domain"
)

// Hotline categories the model can select.
var hotlineTypes = []string{
	"general",
	"poison",
	"suicide",
	"domesticViolence",
	"sexualAssault",
	"childAbuse",
	"substanceAbuse",
	"veterans",
	"lgbtqYouth",
	"eatingDisorders",
}

// hotlineNumbers maps each category to its public phone line.
var hotlineNumbers = map[string]string{
	"general":          "911",
	"poison":           "1-800-222-1222",
	"suicide":          "988",
	"domesticViolence": "1-800-799-7233",
	"sexualAssault":    "1-800-656-4673",
	"childAbuse":       "1-800-422-4453",
	"substanceAbuse":   "1-800-662-4357",
	"veterans":         "988 (press 1)",
	"lgbtqYouth":       "1-866-488-7386",
	"eatingDisorders":  "1-800-931-2237",
}

// HotlinesTool surfaces emergency hotline numbers. The result echoes the
// selected categories so the rendering layer can lay them out.
type HotlinesTool struct {
	logger *slog.Logger
}

// NewHotlinesTool creates the emergency hotlines tool.
func NewHotlinesTool(logger *slog.Logger) *HotlinesTool {
	return &HotlinesTool{logger: logger}
}

func (t *HotlinesTool) Name() string { return "displayEmergencyHotlines" }
func (t *HotlinesTool) Description() string {
	return "Display emergency hotline phone numbers for the patient to call. Use this " +
		"tool when the patient describes a medical emergency, crisis situation, or " +
		"needs specialized support resources."
}
func (t *HotlinesTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }

func (t *HotlinesTool) Schema() domain.ToolSchema {
	enum, _ := json.Marshal(hotlineTypes)
	params := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"types": {
				"type": "array",
				"items": {"type": "string", "enum": %s},
				"minItems": 1,
				"description": "Which emergency hotlines to display: 'general' for 911, 'poison' for Poison Control, 'suicide' for 988 Crisis Lifeline, 'domesticViolence' for National Domestic Violence Hotline, 'sexualAssault' for RAINN, 'childAbuse' for Childhelp, 'substanceAbuse' for SAMHSA, 'veterans' for Veterans Crisis Line, 'lgbtqYouth' for Trevor Project, 'eatingDisorders' for Eating Disorders Hotline"
			}
		},
		"required": ["types"]
	}`, enum)
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(params),
	}
}

type hotlinesInput struct {
	Types []string `json:"types"`
}

type hotlinesOutput struct {
	Types   []string          `json:"types"`
	Numbers map[string]string `json:"numbers"`
}

func (t *HotlinesTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.hotlines", t.logger, input,
		func(_ context.Context, _ trace.Span, p hotlinesInput) (any, error) {
			if len(p.Types) == 0 {
				return nil, fmt.Errorf("%q must name at least one hotline category", "types")
			}
			numbers := make(map[string]string, len(p.Types))
			for _, ht := range p.Types {
				number, ok := hotlineNumbers[ht]
				if !ok {
					return nil, fmt.Errorf("unknown hotline type %q", ht)
				}
				numbers[ht] = number
			}
			t.logger.Info("emergency hotlines displayed", "types", p.Types)
			return hotlinesOutput{Types: p.Types, Numbers: numbers}, nil
		},
	)
}
