package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestComposeFollowUpEmail(t *testing.T) {
	msg := ComposeFollowUpEmail(FollowUpDetails{
		PatientEmail:    "pat@example.com",
		PatientName:     "Pat",
		FollowUpReason:  "Re-check persistent cough",
		FollowUpDate:    "in 3 days",
		AdditionalNotes: "Bring your inhaler.",
	})

	if msg.To != "pat@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "Follow-Up Reminder from Carely" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{
		"Hi Pat,",
		"follow-up care from your recent visit with Carely",
		"Reason for Follow-Up: Re-check persistent cough",
		"Recommended Date: in 3 days",
		"Additional Notes: Bring your inhaler.",
	} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestComposeFollowUpEmailOmitsEmptyNotes(t *testing.T) {
	msg := ComposeFollowUpEmail(FollowUpDetails{
		PatientEmail:   "pat@example.com",
		PatientName:    "Pat",
		FollowUpReason: "check-in",
		FollowUpDate:   "next week",
	})
	if strings.Contains(msg.Body, "Additional Notes") {
		t.Error("empty notes should be omitted from the body")
	}
}

func TestFollowUpEmailToolSend(t *testing.T) {
	backend := NewMockEmailBackend()
	tl := NewFollowUpEmailTool(backend, 10, testLogger())

	res, err := tl.Execute(context.Background(), json.RawMessage(`{
		"patientEmail": "pat@example.com",
		"patientName": "Pat",
		"followUpReason": "check cough",
		"followUpDate": "in 3 days"
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Output)
	}

	var out sendNowOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.MessageID == "" {
		t.Errorf("out = %+v", out)
	}
	if _, err := time.Parse(time.RFC3339, out.SentAt); err != nil {
		t.Errorf("SentAt %q is not RFC 3339: %v", out.SentAt, err)
	}
	if len(backend.Sent) != 1 || backend.Sent[0].To != "pat@example.com" {
		t.Errorf("backend.Sent = %+v", backend.Sent)
	}
}

func TestFollowUpEmailToolMissingFields(t *testing.T) {
	tl := NewFollowUpEmailTool(NewMockEmailBackend(), 10, testLogger())

	res, err := tl.Execute(context.Background(), json.RawMessage(`{"patientEmail":"pat@example.com"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool-error result for missing fields")
	}
	if !strings.Contains(string(res.Output), "required") {
		t.Errorf("Output = %s", res.Output)
	}
}

func TestFollowUpEmailToolRateLimit(t *testing.T) {
	backend := NewMockEmailBackend()
	tl := NewFollowUpEmailTool(backend, 2, testLogger())

	input := json.RawMessage(`{
		"patientEmail": "pat@example.com",
		"patientName": "Pat",
		"followUpReason": "check-in",
		"followUpDate": "soon"
	}`)
	for i := 0; i < 2; i++ {
		res, err := tl.Execute(context.Background(), input)
		if err != nil {
			t.Fatal(err)
		}
		if res.IsError {
			t.Fatalf("send %d: %s", i, res.Output)
		}
	}

	res, err := tl.Execute(context.Background(), input)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected rate limit to block the third send")
	}
	if !strings.Contains(string(res.Output), "rate limit") {
		t.Errorf("Output = %s", res.Output)
	}
	if len(backend.Sent) != 2 {
		t.Errorf("sent = %d, want 2", len(backend.Sent))
	}
}

type fakeFollowUpScheduler struct {
	details FollowUpDetails
	at      time.Time
	calls   int
}

func (f *fakeFollowUpScheduler) Schedule(_ context.Context, details FollowUpDetails, at time.Time) (string, error) {
	f.details = details
	f.at = at
	f.calls++
	return "job-42", nil
}

func TestScheduleFollowUpEmailTool(t *testing.T) {
	sched := &fakeFollowUpScheduler{}
	tl := NewScheduleFollowUpEmailTool(sched, testLogger())

	res, err := tl.Execute(context.Background(), json.RawMessage(`{
		"patientEmail": "pat@example.com",
		"patientName": "Pat",
		"followUpReason": "check cough",
		"followUpDate": "March 3",
		"scheduledDateTime": "2026-03-03T09:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", res.Output)
	}

	var out scheduleEmailOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.JobID != "job-42" {
		t.Errorf("out = %+v", out)
	}
	if sched.calls != 1 || sched.details.PatientName != "Pat" {
		t.Errorf("scheduler got %+v", sched.details)
	}
	want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !sched.at.Equal(want) {
		t.Errorf("at = %v, want %v", sched.at, want)
	}
}

func TestScheduleFollowUpEmailToolBadTimestamp(t *testing.T) {
	sched := &fakeFollowUpScheduler{}
	tl := NewScheduleFollowUpEmailTool(sched, testLogger())

	res, err := tl.Execute(context.Background(), json.RawMessage(`{
		"patientEmail": "pat@example.com",
		"patientName": "Pat",
		"followUpReason": "check cough",
		"followUpDate": "March 3",
		"scheduledDateTime": "tomorrow morning"
	}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool-error result for non RFC 3339 timestamp")
	}
	if sched.calls != 0 {
		t.Error("scheduler should not be called for invalid input")
	}
}
