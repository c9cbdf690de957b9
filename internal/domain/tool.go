package domain

import (
	"context"
	"encoding/json"
)

// ToolMode declares how a tool call is resolved.
type ToolMode string

const (
	// ToolModeAutonomous tools execute inline on the server during the turn.
	ToolModeAutonomous ToolMode = "autonomous"
	// ToolModeInteractive tools stay requested until a human decision arrives.
	ToolModeInteractive ToolMode = "interactive"
)

// ToolSchema describes a tool for the model's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of executing (or resolving) a tool call.
type ToolResult struct {
	ToolCallID  string          `json:"tool_call_id"`
	Output      json.RawMessage `json:"output"`
	IsError     bool            `json:"is_error"`
	IsRetryable bool            `json:"is_retryable,omitempty"`
}

// ErrorResult builds a ToolResult carrying an error payload the model can
// read and recover from in natural language.
func ErrorResult(msg string) *ToolResult {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return &ToolResult{Output: out, IsError: true}
}

// Tool is the interface every tool must implement. Interactive tools are
// never Executed by the controller; their Execute exists only to satisfy
// the interface and returns ErrInteractiveTool.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Mode() ToolMode
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolExecutor abstracts tool lookup and schema listing.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}
