package domain

import (
	"encoding/json"
	"time"
)

// Role constants for turn roles.
const (
	RoleSystem    = "system"
	RoleHuman     = "human"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType discriminates the kinds of content a turn can carry.
type PartType string

const (
	PartText     PartType = "text"
	PartToolCall PartType = "tool_call"
)

// Part is a single piece of turn content: either text or a tool call.
// Exactly one of Text / ToolCall is meaningful, selected by Type.
type Part struct {
	Type     PartType      `json:"type"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallState tracks the lifecycle of a tool call within a turn.
type ToolCallState string

const (
	ToolCallRequested ToolCallState = "requested"
	ToolCallResolved  ToolCallState = "resolved"
)

// ToolCallPart records a single tool invocation requested by the model.
// A tool call transitions requested -> resolved exactly once; Output and
// IsError are only meaningful once State is resolved.
type ToolCallPart struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	State      ToolCallState   `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Attachment is a file the human included with a message.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	URL       string `json:"url"`
}

// Turn is one appended unit of conversation history. Once appended to the
// transcript a turn is immutable; the only permitted mutation is resolving
// its tool calls, which is recorded separately by the transcript store.
//
// Hidden marks synthetic human turns injected by the continuation trigger
// or the skip policy: they are part of the transcript the model sees but
// are never rendered to the human.
type Turn struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Hidden      bool         `json:"hidden,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Text concatenates all text parts of the turn.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool call parts of the turn, in order.
func (t Turn) ToolCalls() []*ToolCallPart {
	var calls []*ToolCallPart
	for i := range t.Parts {
		if t.Parts[i].Type == PartToolCall && t.Parts[i].ToolCall != nil {
			calls = append(calls, t.Parts[i].ToolCall)
		}
	}
	return calls
}

// Conversation holds an ordered sequence of turns owned by one principal.
type Conversation struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Label       string    `json:"label,omitempty"`
	Turns       []Turn    `json:"turns"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
