package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]EmailJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]EmailJob)}
}

func (m *memJobStore) SaveEmailJob(_ context.Context, job EmailJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobStore) DeleteEmailJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memJobStore) PendingEmailJobs(_ context.Context) ([]EmailJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (m *memJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type sendRecorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *sendRecorder) send(_ context.Context, to, subject, body string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, to)
	return "msg-1", nil
}

func (r *sendRecorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduleAndFire(t *testing.T) {
	store := newMemJobStore()
	rec := &sendRecorder{}
	s := NewEmailScheduler(store, rec.send, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	id, err := s.Schedule(context.Background(), "pat@example.com", "Follow-Up Reminder from Carely", "body", time.Now().Add(100*time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected job id")
	}
	if store.count() != 1 {
		t.Fatal("job not persisted before firing")
	}

	waitFor(t, 5*time.Second, func() bool { return rec.sentCount() == 1 })
	waitFor(t, 5*time.Second, func() bool { return store.count() == 0 })
}

func TestStartRestoresPastDueJobs(t *testing.T) {
	store := newMemJobStore()
	store.SaveEmailJob(context.Background(), EmailJob{
		ID:     "job-1",
		To:     "pat@example.com",
		SendAt: time.Now().Add(-time.Hour),
	})
	rec := &sendRecorder{}
	s := NewEmailScheduler(store, rec.send, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return rec.sentCount() == 1 })
}

func TestCancelPendingJob(t *testing.T) {
	store := newMemJobStore()
	rec := &sendRecorder{}
	s := NewEmailScheduler(store, rec.send, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	id, err := s.Schedule(context.Background(), "pat@example.com", "subject", "body", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if next := s.NextRun(id); next == nil {
		t.Fatal("expected a next run time for a pending job")
	}

	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if store.count() != 0 {
		t.Error("cancelled job still persisted")
	}
	if err := s.Cancel(context.Background(), id); err == nil {
		t.Error("expected error cancelling twice")
	}
}

func TestFailedSendKeepsJobForRetry(t *testing.T) {
	store := newMemJobStore()
	rec := &sendRecorder{err: errors.New("smtp down")}
	s := NewEmailScheduler(store, rec.send, nil, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := s.Schedule(context.Background(), "pat@example.com", "subject", "body", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	// Give the job time to fire and fail.
	time.Sleep(1500 * time.Millisecond)
	if store.count() != 1 {
		t.Error("failed job should stay persisted so a restart retries it")
	}
}

func TestOnSentCallback(t *testing.T) {
	store := newMemJobStore()
	rec := &sendRecorder{}

	var mu sync.Mutex
	var got []string
	onSent := func(job EmailJob, messageID string) {
		mu.Lock()
		got = append(got, messageID)
		mu.Unlock()
	}
	s := NewEmailScheduler(store, rec.send, onSent, testLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := s.Schedule(context.Background(), "pat@example.com", "subject", "body", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "msg-1"
	})
}
