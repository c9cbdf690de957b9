package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// EmailJob is a pending follow-up reminder email, composed and ready to send.
type EmailJob struct {
	ID      string    `json:"id"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SendAt  time.Time `json:"send_at"`
}

// JobStore persists pending email jobs so reminders survive restarts.
type JobStore interface {
	SaveEmailJob(ctx context.Context, job EmailJob) error
	DeleteEmailJob(ctx context.Context, id string) error
	PendingEmailJobs(ctx context.Context) ([]EmailJob, error)
}

// Sender delivers a composed email and returns a message id.
type Sender func(ctx context.Context, to, subject, body string) (string, error)

// EmailScheduler runs one-shot email jobs at their scheduled time using cron
// entries. Jobs are persisted through the JobStore before being scheduled;
// on Start, pending jobs are reloaded and past-due ones fire immediately.
type EmailScheduler struct {
	cron    *cron.Cron
	store   JobStore
	send    Sender
	logger  *slog.Logger
	onSent  func(job EmailJob, messageID string)
	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEmailScheduler creates a scheduler. onSent may be nil.
func NewEmailScheduler(store JobStore, send Sender, onSent func(job EmailJob, messageID string), logger *slog.Logger) *EmailScheduler {
	return &EmailScheduler{
		cron:    cron.New(),
		store:   store,
		send:    send,
		onSent:  onSent,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start reloads persisted jobs and begins running the scheduler.
func (s *EmailScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	pending, err := s.store.PendingEmailJobs(ctx)
	if err != nil {
		return fmt.Errorf("load pending email jobs: %w", err)
	}
	for _, job := range pending {
		s.addEntry(job)
	}

	s.cron.Start()
	if len(pending) > 0 {
		s.logger.Info("follow-up scheduler restored pending jobs", "count", len(pending))
	}
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *EmailScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	return nil
}

// Schedule persists a new email job and registers its one-shot cron entry.
// The returned id identifies the job.
func (s *EmailScheduler) Schedule(ctx context.Context, to, subject, body string, at time.Time) (string, error) {
	job := EmailJob{
		ID:      ulid.Make().String(),
		To:      to,
		Subject: subject,
		Body:    body,
		SendAt:  at.UTC(),
	}
	if err := s.store.SaveEmailJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist email job: %w", err)
	}

	s.addEntry(job)
	s.logger.Info("follow-up email scheduled", "job_id", job.ID, "send_at", job.SendAt)
	return job.ID, nil
}

// Cancel removes a pending job. Already-sent jobs return an error.
func (s *EmailScheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("email job %q not found", id)
	}
	return s.store.DeleteEmailJob(ctx, id)
}

// NextRun returns the next fire time for a pending job, or nil.
func (s *EmailScheduler) NextRun(id string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

func (s *EmailScheduler) addEntry(job EmailJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The once guard keeps a job single-fire even if the cron loop schedules
	// one more tick before Remove is processed.
	var once sync.Once
	var entryID cron.EntryID
	entryID = s.cron.Schedule(fireAt(job.SendAt), cron.FuncJob(func() {
		once.Do(func() {
			s.cron.Remove(entryID)
			s.mu.Lock()
			ctx := s.ctx
			delete(s.entries, job.ID)
			s.mu.Unlock()

			if ctx == nil {
				s.logger.Debug("scheduler stopped, skipping email job", "job_id", job.ID)
				return
			}
			s.runJob(ctx, job)
		})
	}))
	s.entries[job.ID] = entryID
}

func (s *EmailScheduler) runJob(ctx context.Context, job EmailJob) {
	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	messageID, err := s.send(sendCtx, job.To, job.Subject, job.Body)
	if err != nil {
		// The job stays in the store so a restart retries it.
		s.logger.Warn("follow-up email send failed", "job_id", job.ID, "error", err)
		return
	}

	if err := s.store.DeleteEmailJob(ctx, job.ID); err != nil {
		s.logger.Warn("delete sent email job", "job_id", job.ID, "error", err)
	}
	s.logger.Info("follow-up email sent", "job_id", job.ID, "message_id", messageID)
	if s.onSent != nil {
		s.onSent(job, messageID)
	}
}

// fireAt is a cron.Schedule that fires once at a fixed instant. Past-due
// instants fire on the scheduler's next tick.
type fireAt time.Time

func (f fireAt) Next(t time.Time) time.Time {
	at := time.Time(f)
	if t.Before(at) {
		return at
	}
	// Already past the target and fired (or restored past-due): fire shortly.
	return t.Add(time.Second)
}
