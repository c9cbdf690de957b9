package usecase

import (
	"fmt"
	"strings"

	"carely/internal/domain"
)

// ContextBuilder constructs the prompt message array for model calls.
type ContextBuilder struct {
	systemPrompt string
	model        string
	maxTurns     int
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(systemPrompt, model string, maxTurns int) *ContextBuilder {
	return &ContextBuilder{
		systemPrompt: systemPrompt,
		model:        model,
		maxTurns:     maxTurns,
	}
}

// Build assembles: system prompt + patient info + history facts, followed
// by the flattened conversation history. Hidden turns are included; the
// model sees continuation turns exactly like typed ones.
func (cb *ContextBuilder) Build(
	conversationID string,
	principal domain.Principal,
	historyFacts []string,
	turns []domain.Turn,
	tools []domain.ToolSchema,
) domain.ChatRequest {
	system := cb.systemPrompt + cb.patientInfoSection(conversationID, principal)
	if len(historyFacts) > 0 {
		system += cb.historySection(historyFacts)
	}

	messages := make([]domain.WireMessage, 0, 1+len(turns))
	messages = append(messages, domain.WireMessage{
		Role:    domain.RoleSystem,
		Content: system,
	})
	messages = append(messages, cb.flatten(cb.truncate(turns))...)

	return domain.ChatRequest{
		Model:    cb.model,
		Messages: messages,
		Tools:    tools,
	}
}

func (cb *ContextBuilder) patientInfoSection(conversationID string, p domain.Principal) string {
	var sb strings.Builder
	sb.WriteString("\n---\n**Patient Information (for tools):**\n")
	fmt.Fprintf(&sb, "- Name: %s\n", p.Name)
	fmt.Fprintf(&sb, "- Email: %s\n", p.Email)
	fmt.Fprintf(&sb, "- User ID: %s\n", p.ID)
	fmt.Fprintf(&sb, "- Conversation ID: %s\n", conversationID)
	return sb.String()
}

func (cb *ContextBuilder) historySection(facts []string) string {
	var sb strings.Builder
	sb.WriteString("\n---\nThe following is the patient's known medical history. This may not be complete, so some things are still worth asking about. Do not proactively bring up or reference this history unless it is directly relevant to what the patient is discussing. Use it only as background context to inform your responses.\n\n")
	for _, f := range facts {
		sb.WriteString(f)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// truncate keeps the most recent maxTurns turns. Tool results live inside
// their assistant turn, so truncation at turn granularity never splits an
// assistant call from its results.
func (cb *ContextBuilder) truncate(turns []domain.Turn) []domain.Turn {
	if cb.maxTurns <= 0 || len(turns) <= cb.maxTurns {
		return turns
	}
	return turns[len(turns)-cb.maxTurns:]
}

// flatten expands turns into the wire message shape the provider expects:
// one assistant message carrying the tool calls, followed by one tool-role
// message per resolution. Tool calls still awaiting resolution are dropped
// from the prompt; the provider rejects a transcript containing a call
// with no result, and the skip policy guarantees such calls are resolved
// before the next model invocation anyway.
func (cb *ContextBuilder) flatten(turns []domain.Turn) []domain.WireMessage {
	var messages []domain.WireMessage
	for _, turn := range turns {
		switch turn.Role {
		case domain.RoleHuman:
			text := turn.Text()
			if text == "" && len(turn.Attachments) == 0 {
				continue
			}
			messages = append(messages, domain.WireMessage{
				Role:    domain.RoleHuman,
				Content: text,
			})

		case domain.RoleAssistant:
			msg := domain.WireMessage{
				Role:    domain.RoleAssistant,
				Content: turn.Text(),
			}
			var results []domain.WireMessage
			for _, call := range turn.ToolCalls() {
				if call.State != domain.ToolCallResolved {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, domain.WireToolCall{
					ID:        call.ToolCallID,
					Name:      call.ToolName,
					Arguments: call.Input,
				})
				results = append(results, domain.WireMessage{
					Role:       domain.RoleTool,
					Content:    string(call.Output),
					ToolCallID: call.ToolCallID,
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			messages = append(messages, msg)
			messages = append(messages, results...)
		}
	}
	return messages
}
