package usecase

import (
	"encoding/json"
)

// InteractiveHandler supplies the per-tool pieces of the resolution
// protocol: the synthetic continuation turn that lets the model react to a
// human decision, and the skip value recorded when the human abandons the
// decision by sending a new message.
type InteractiveHandler interface {
	ToolName() string
	// Continuation maps a resolution value to the synthetic human turn that
	// follows it. hidden marks plumbing turns the human never sees. ok is
	// false when no continuation should be dispatched.
	Continuation(input, value json.RawMessage) (text string, hidden bool, ok bool)
	// SkipValue builds the tool-specific "skipped" resolution for a call
	// the human walked away from.
	SkipValue(input json.RawMessage) json.RawMessage
}

// Follow-up scheduling options the human can pick.
const (
	FollowUpOptionCalendar       = "calendar"
	FollowUpOptionEmailNow       = "email_now"
	FollowUpOptionEmailScheduled = "email_scheduled"
	FollowUpOptionSkipped        = "skipped"
)

// followUpResolution is the recorded output of a scheduleFollowUp call.
type followUpResolution struct {
	SelectedOption  string `json:"selectedOption"`
	Reason          string `json:"reason,omitempty"`
	RecommendedDate string `json:"recommendedDate,omitempty"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
	SkippedByUser   bool   `json:"skippedByUser,omitempty"`
}

// followUpInput mirrors the scheduleFollowUp tool input fields the skip
// value echoes back.
type followUpInput struct {
	Reason          string `json:"reason"`
	RecommendedDate string `json:"recommendedDate"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
}

// FollowUpHandler resolves scheduleFollowUp calls. The continuation reads
// as something the human said, so it stays visible in the transcript.
type FollowUpHandler struct{}

func (FollowUpHandler) ToolName() string { return "scheduleFollowUp" }

func (FollowUpHandler) Continuation(_, value json.RawMessage) (string, bool, bool) {
	var res followUpResolution
	if err := json.Unmarshal(value, &res); err != nil {
		return "", false, false
	}
	switch res.SelectedOption {
	case FollowUpOptionCalendar:
		return "I'll add this to my calendar myself.", false, true
	case FollowUpOptionEmailNow:
		return "Please send me an email with the follow-up details now.", false, true
	case FollowUpOptionEmailScheduled:
		return "Send me a reminder email when it's time for the follow-up.", false, true
	}
	return "", false, false
}

func (FollowUpHandler) SkipValue(input json.RawMessage) json.RawMessage {
	var in followUpInput
	_ = json.Unmarshal(input, &in)
	out, _ := json.Marshal(followUpResolution{
		SelectedOption:  FollowUpOptionSkipped,
		Reason:          in.Reason,
		RecommendedDate: in.RecommendedDate,
		AdditionalNotes: in.AdditionalNotes,
		SkippedByUser:   true,
	})
	return out
}

// locationResolution is the recorded output of a getUserLocation call.
type locationResolution struct {
	Success       bool     `json:"success"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	City          string   `json:"city,omitempty"`
	Error         string   `json:"error,omitempty"`
	SkippedByUser bool     `json:"skippedByUser,omitempty"`
}

const locationSkipError = "User continued conversation without sharing location"

// LocationHandler resolves getUserLocation calls. Both grant and denial
// continuations are pure plumbing and stay hidden from the human.
type LocationHandler struct{}

func (LocationHandler) ToolName() string { return "getUserLocation" }

func (LocationHandler) Continuation(_, value json.RawMessage) (string, bool, bool) {
	var res locationResolution
	if err := json.Unmarshal(value, &res); err != nil {
		return "", false, false
	}
	if res.SkippedByUser {
		return "", false, false
	}
	if !res.Success {
		return "I'd prefer not to share my exact location.", true, true
	}
	if res.City != "" {
		return "I'm located in " + res.City + ".", true, true
	}
	return "Here's my location.", true, true
}

func (LocationHandler) SkipValue(json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(locationResolution{
		Success:       false,
		Error:         locationSkipError,
		SkippedByUser: true,
	})
	return out
}

// DefaultInteractiveHandlers returns the handler set for the built-in
// interactive tools, keyed by tool name.
func DefaultInteractiveHandlers() map[string]InteractiveHandler {
	handlers := map[string]InteractiveHandler{}
	for _, h := range []InteractiveHandler{FollowUpHandler{}, LocationHandler{}} {
		handlers[h.ToolName()] = h
	}
	return handlers
}
