package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"carely/internal/domain"
)

// OutboundEmail is a fully composed message handed to the email backend.
type OutboundEmail struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailSendResult is the backend's acknowledgment of a sent message.
type EmailSendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// EmailBackend abstracts outbound email delivery.
type EmailBackend interface {
	Send(ctx context.Context, msg OutboundEmail) (*EmailSendResult, error)
}

// MockEmailBackend records sent messages instead of delivering them.
type MockEmailBackend struct {
	nextID int
	Sent   []OutboundEmail
}

func NewMockEmailBackend() *MockEmailBackend { return &MockEmailBackend{nextID: 1} }

func (m *MockEmailBackend) Send(_ context.Context, msg OutboundEmail) (*EmailSendResult, error) {
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.nextID++
	m.Sent = append(m.Sent, msg)
	return &EmailSendResult{MessageID: id, Status: "sent"}, nil
}

// FollowUpDetails are the fields every follow-up email carries.
type FollowUpDetails struct {
	PatientEmail    string `json:"patientEmail"`
	PatientName     string `json:"patientName"`
	FollowUpReason  string `json:"followUpReason"`
	FollowUpDate    string `json:"followUpDate"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
}

// ComposeFollowUpEmail renders the follow-up reminder message.
func ComposeFollowUpEmail(d FollowUpDetails) OutboundEmail {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", d.PatientName)
	b.WriteString("This is a reminder about your follow-up care from your recent visit with Carely.\n\n")
	fmt.Fprintf(&b, "Reason for Follow-Up: %s\n", d.FollowUpReason)
	fmt.Fprintf(&b, "Recommended Date: %s\n", d.FollowUpDate)
	if d.AdditionalNotes != "" {
		fmt.Fprintf(&b, "Additional Notes: %s\n", d.AdditionalNotes)
	}
	b.WriteString("\nIf your symptoms get worse before then, seek care sooner.\n\nTake care,\nCarely")
	return OutboundEmail{
		To:      d.PatientEmail,
		Subject: "Follow-Up Reminder from Carely",
		Body:    b.String(),
	}
}

// FollowUpScheduler registers a follow-up email for delayed delivery.
type FollowUpScheduler interface {
	Schedule(ctx context.Context, details FollowUpDetails, at time.Time) (string, error)
}

const followUpParametersSchema = `{
	"type": "object",
	"properties": {
		"patientEmail": {
			"type": "string",
			"description": "The patient's email address from the patient information section"
		},
		"patientName": {
			"type": "string",
			"description": "The patient's name"
		},
		"followUpReason": {
			"type": "string",
			"description": "Why the follow-up is needed"
		},
		"followUpDate": {
			"type": "string",
			"description": "When the follow-up should happen"
		},
		"additionalNotes": {
			"type": "string",
			"description": "Anything the patient should bring or prepare"
		}%s
	},
	"required": ["patientEmail", "patientName", "followUpReason", "followUpDate"%s]
}`

// FollowUpEmailTool sends the follow-up details email immediately. The
// model calls it after the patient picks the "email now" option.
type FollowUpEmailTool struct {
	backend EmailBackend
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewFollowUpEmailTool creates the immediate-send tool. If backend is nil,
// a MockEmailBackend is used. maxSendsPerHour bounds outbound volume.
func NewFollowUpEmailTool(backend EmailBackend, maxSendsPerHour int, logger *slog.Logger) *FollowUpEmailTool {
	if backend == nil {
		backend = NewMockEmailBackend()
	}
	if maxSendsPerHour <= 0 {
		maxSendsPerHour = 20
	}
	return &FollowUpEmailTool{
		backend: backend,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(maxSendsPerHour)), maxSendsPerHour),
		logger:  logger,
	}
}

func (t *FollowUpEmailTool) Name() string { return "sendFollowUpEmailNow" }
func (t *FollowUpEmailTool) Description() string {
	return "Send the patient an email with their follow-up details immediately. Call " +
		"this after the patient asks for the follow-up details by email."
}
func (t *FollowUpEmailTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }

func (t *FollowUpEmailTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(fmt.Sprintf(followUpParametersSchema, "", "")),
	}
}

type sendNowOutput struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	SentAt    string `json:"sentAt,omitempty"`
}

func (t *FollowUpEmailTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_follow_up_email", t.logger, input,
		func(ctx context.Context, _ trace.Span, p FollowUpDetails) (any, error) {
			if err := RequireFields(
				"patientEmail", p.PatientEmail,
				"patientName", p.PatientName,
				"followUpReason", p.FollowUpReason,
				"followUpDate", p.FollowUpDate,
			); err != nil {
				return nil, err
			}
			if !t.limiter.Allow() {
				return nil, fmt.Errorf("email send rate limit exceeded")
			}

			t.logger.Info("sending follow-up email", "to", p.PatientEmail)
			res, err := t.backend.Send(ctx, ComposeFollowUpEmail(p))
			if err != nil {
				return nil, err
			}
			return sendNowOutput{
				Success:   true,
				MessageID: res.MessageID,
				SentAt:    time.Now().UTC().Format(time.RFC3339),
			}, nil
		},
	)
}

// ScheduleFollowUpEmailTool registers a follow-up email for delivery at a
// future time. The model calls it after the patient picks the scheduled
// reminder option.
type ScheduleFollowUpEmailTool struct {
	scheduler FollowUpScheduler
	logger    *slog.Logger
}

// NewScheduleFollowUpEmailTool creates the delayed-send tool.
func NewScheduleFollowUpEmailTool(scheduler FollowUpScheduler, logger *slog.Logger) *ScheduleFollowUpEmailTool {
	return &ScheduleFollowUpEmailTool{scheduler: scheduler, logger: logger}
}

func (t *ScheduleFollowUpEmailTool) Name() string { return "scheduleFollowUpEmail" }
func (t *ScheduleFollowUpEmailTool) Description() string {
	return "Schedule a reminder email with the patient's follow-up details to be sent " +
		"at a future date and time. Call this after the patient asks for a reminder " +
		"when the follow-up is due."
}
func (t *ScheduleFollowUpEmailTool) Mode() domain.ToolMode { return domain.ToolModeAutonomous }

func (t *ScheduleFollowUpEmailTool) Schema() domain.ToolSchema {
	extraProp := `,
		"scheduledDateTime": {
			"type": "string",
			"description": "RFC 3339 timestamp at which to send the reminder"
		}`
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(fmt.Sprintf(followUpParametersSchema, extraProp, `, "scheduledDateTime"`)),
	}
}

type scheduleEmailInput struct {
	FollowUpDetails
	ScheduledDateTime string `json:"scheduledDateTime"`
}

type scheduleEmailOutput struct {
	Success     bool   `json:"success"`
	JobID       string `json:"jobId"`
	ScheduledAt string `json:"scheduledAt"`
}

func (t *ScheduleFollowUpEmailTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.schedule_follow_up_email", t.logger, input,
		func(ctx context.Context, _ trace.Span, p scheduleEmailInput) (any, error) {
			if err := RequireFields(
				"patientEmail", p.PatientEmail,
				"patientName", p.PatientName,
				"followUpReason", p.FollowUpReason,
				"followUpDate", p.FollowUpDate,
				"scheduledDateTime", p.ScheduledDateTime,
			); err != nil {
				return nil, err
			}
			at, err := time.Parse(time.RFC3339, p.ScheduledDateTime)
			if err != nil {
				return nil, fmt.Errorf("invalid scheduledDateTime %q: %v", p.ScheduledDateTime, err)
			}

			jobID, err := t.scheduler.Schedule(ctx, p.FollowUpDetails, at)
			if err != nil {
				return nil, err
			}

			t.logger.Info("follow-up email scheduled",
				"job_id", jobID,
				"to", p.PatientEmail,
				"at", at,
			)
			return scheduleEmailOutput{
				Success:     true,
				JobID:       jobID,
				ScheduledAt: at.UTC().Format(time.RFC3339),
			}, nil
		},
	)
}
