package tool

import (
	"context"
	"encoding/json"

	"carely/internal/domain"
)

// Interactive tools have no executor: the controller leaves their calls
// requested until a human decision arrives through the resolver. Execute
// exists only to satisfy the Tool interface.

// ScheduleFollowUpTool asks the patient to choose how they want their
// follow-up handled (own calendar, immediate email, scheduled email).
type ScheduleFollowUpTool struct{}

// NewScheduleFollowUpTool creates the follow-up decision tool.
func NewScheduleFollowUpTool() *ScheduleFollowUpTool { return &ScheduleFollowUpTool{} }

func (t *ScheduleFollowUpTool) Name() string { return "scheduleFollowUp" }
func (t *ScheduleFollowUpTool) Description() string {
	return "Offer the patient follow-up scheduling options when a follow-up visit or " +
		"check-in is medically advisable. The patient chooses between handling it " +
		"themselves, an immediate email, or a scheduled reminder email."
}
func (t *ScheduleFollowUpTool) Mode() domain.ToolMode { return domain.ToolModeInteractive }

func (t *ScheduleFollowUpTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {
					"type": "string",
					"description": "Optional short message shown above the options"
				},
				"reason": {
					"type": "string",
					"description": "Why a follow-up is recommended (e.g. 'check cough')"
				},
				"recommendedDate": {
					"type": "string",
					"description": "When the follow-up should happen (e.g. 'in 3 days')"
				},
				"additionalNotes": {
					"type": "string",
					"description": "Anything the patient should bring or prepare"
				}
			},
			"required": ["reason", "recommendedDate"]
		}`),
	}
}

func (t *ScheduleFollowUpTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	return nil, domain.NewDomainError("ScheduleFollowUpTool.Execute", domain.ErrInteractiveTool, t.Name())
}

// GetUserLocationTool asks the patient to share their location so nearby
// care can be suggested. Grant, denial, and skip all resolve the call.
type GetUserLocationTool struct{}

// NewGetUserLocationTool creates the location permission tool.
func NewGetUserLocationTool() *GetUserLocationTool { return &GetUserLocationTool{} }

func (t *GetUserLocationTool) Name() string { return "getUserLocation" }
func (t *GetUserLocationTool) Description() string {
	return "Request the patient's current location to find healthcare facilities near " +
		"them. The patient may grant or deny the request."
}
func (t *GetUserLocationTool) Mode() domain.ToolMode { return domain.ToolModeInteractive }

func (t *GetUserLocationTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {
					"type": "string",
					"description": "Why the location is needed, shown to the patient"
				}
			},
			"required": ["reason"]
		}`),
	}
}

func (t *GetUserLocationTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	return nil, domain.NewDomainError("GetUserLocationTool.Execute", domain.ErrInteractiveTool, t.Name())
}
