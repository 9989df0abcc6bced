package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/store"
)

type recordingSink struct {
	mu   sync.Mutex
	jobs []SyncJob
	errs []error
}

func (s *recordingSink) RecordFailure(_ context.Context, job *SyncJob, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, *job)
	s.errs = append(s.errs, err)
}

type immediateTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (tm *immediateTimer) after(d time.Duration, f func()) {
	tm.mu.Lock()
	tm.delays = append(tm.delays, d)
	tm.mu.Unlock()
	go f()
}

func startQueue(t *testing.T, h Handler, sink FailureSink, timer *immediateTimer) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(QueueSync, h, MemoryOptions{Workers: 2, Capacity: 10, Sink: sink, After: timer.after})
	q.Start(context.Background())
	t.Cleanup(func() { q.Close() })
	return q
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 20 * time.Second},
	}
	for _, tt := range tests {
		if got := NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestNewSyncJob(t *testing.T) {
	job := NewSyncJob(OpDelete, 12, nil)
	if job.Queue != QueueSync || job.Timeout != SingleTimeout || job.MaxAttempts != 3 || job.State != StateQueued {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.RetryDeadline.Sub(job.EnqueuedAt) != RetryWindow {
		t.Fatalf("expected a five minute retry window, got %s", job.RetryDeadline.Sub(job.EnqueuedAt))
	}
	if want := []string{"firebase-sync", "delete", "conversation:12"}; !reflect.DeepEqual(job.Tags(), want) {
		t.Fatalf("tags = %v, want %v", job.Tags(), want)
	}
	if batch := NewSyncJob(OpBatchSync, 0, nil); batch.Timeout != BatchTimeout {
		t.Fatalf("batch jobs get the long timeout, got %s", batch.Timeout)
	}
	stats := NewSyncJob(OpStats, 0, nil)
	if stats.Queue != QueueStats {
		t.Fatalf("stats jobs run on their own lane, got %s", stats.Queue)
	}
	if want := []string{"firebase-stats", "stats", "conversation:0"}; !reflect.DeepEqual(stats.Tags(), want) {
		t.Fatalf("tags = %v, want %v", stats.Tags(), want)
	}
}

func TestMissingPreconditionFailsPermanently(t *testing.T) {
	sink := &recordingSink{}
	timer := &immediateTimer{}
	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, job *SyncJob) error {
		calls.Add(1)
		if _, ok := job.String("line_user_id"); !ok {
			return apperr.New(apperr.SyncPrecondition, "line_user_id is required")
		}
		return nil
	})
	q := startQueue(t, h, sink, timer)

	if err := q.Enqueue(context.Background(), NewSyncJob(OpDelete, 3, nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	failed := q.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected one failed job, got %d", len(failed))
	}
	job := failed[0]
	if job.State != StateFailedPermanently || job.Attempt != 3 {
		t.Fatalf("unexpected terminal job %+v", job)
	}
	var backoffs []time.Duration
	for _, h := range job.History {
		backoffs = append(backoffs, h.Backoff)
		if h.Error == "" {
			t.Fatalf("attempt %d has no error recorded", h.Number)
		}
	}
	if want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}; !reflect.DeepEqual(backoffs, want) {
		t.Fatalf("backoffs = %v, want %v", backoffs, want)
	}
	if want := []time.Duration{5 * time.Second, 10 * time.Second}; !reflect.DeepEqual(timer.delays, want) {
		t.Fatalf("scheduled delays = %v, want %v", timer.delays, want)
	}
	if len(sink.jobs) != 1 || !apperr.Is(sink.errs[0], apperr.SyncPrecondition) {
		t.Fatalf("expected one precondition failure in sink, got %v", sink.errs)
	}
	stats := q.Stats()
	if stats.Retried != 2 || stats.Failed != 1 || stats.Pending != 0 || stats.Completed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	timer := &immediateTimer{}
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, *SyncJob) error {
		if calls.Add(1) == 1 {
			return errors.New("realtime store unreachable")
		}
		return nil
	})
	q := startQueue(t, h, &recordingSink{}, timer)

	if err := q.Enqueue(context.Background(), NewSyncJob(OpSync, 1, nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	stats := q.Stats()
	if stats.Completed != 1 || stats.Retried != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(q.Failed()) != 0 {
		t.Fatalf("no job should have failed")
	}
}

func TestRetryDeadlineStopsRetries(t *testing.T) {
	timer := &immediateTimer{}
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, *SyncJob) error {
		calls.Add(1)
		return errors.New("boom")
	})
	q := startQueue(t, h, &recordingSink{}, timer)

	job := NewSyncJob(OpSync, 1, nil)
	job.RetryDeadline = time.Now().Add(-time.Second)
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt past the deadline, got %d", calls.Load())
	}
	if len(timer.delays) != 0 {
		t.Fatalf("no retry should be scheduled, got %v", timer.delays)
	}
}

type heldTimer struct {
	mu sync.Mutex
	fs []func()
}

func (tm *heldTimer) after(_ time.Duration, f func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.fs = append(tm.fs, f)
}

func (tm *heldTimer) held() []func() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]func(){}, tm.fs...)
}

func TestRedeliveryAfterCloseSettlesJob(t *testing.T) {
	timer := &heldTimer{}
	h := HandlerFunc(func(context.Context, *SyncJob) error { return errors.New("boom") })
	q := NewMemoryQueue(QueueSync, h, MemoryOptions{Workers: 1, Capacity: 10, After: timer.after})
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), NewSyncJob(OpSync, 1, nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(timer.held()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("retry was never scheduled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	q.Close()
	timer.held()[0]()

	if stats := q.Stats(); stats.Pending != 0 {
		t.Fatalf("a redelivery after Close must settle the job, got %+v", stats)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("no job should be parked in the buffer, got %d", len(q.jobs))
	}
	q.Drain()
}

func TestCloseSettlesBufferedJobs(t *testing.T) {
	q := NewMemoryQueue(QueueSync, HandlerFunc(func(context.Context, *SyncJob) error { return nil }), MemoryOptions{Capacity: 2})
	if err := q.Enqueue(context.Background(), NewSyncJob(OpSync, 1, nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()
	if stats := q.Stats(); stats.Pending != 0 {
		t.Fatalf("jobs left in the buffer should be settled on Close, got %+v", stats)
	}
}

func TestExpiredRedeliveryFailsWithoutRunning(t *testing.T) {
	var calls atomic.Int32
	h := HandlerFunc(func(context.Context, *SyncJob) error {
		calls.Add(1)
		return nil
	})
	sink := &recordingSink{}
	q := startQueue(t, h, sink, &immediateTimer{})

	job := NewSyncJob(OpSync, 1, nil)
	job.Attempt = 2
	job.RetryDeadline = time.Now().Add(-time.Second)
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	if calls.Load() != 0 {
		t.Fatalf("an expired job must not run, got %d calls", calls.Load())
	}
	if len(sink.errs) != 1 || !errors.Is(sink.errs[0], ErrRetryExpired) {
		t.Fatalf("expected ErrRetryExpired in sink, got %v", sink.errs)
	}
	if failed := q.Failed(); len(failed) != 1 || failed[0].Attempt != 2 {
		t.Fatalf("unexpected failed jobs %+v", failed)
	}
}

func TestTimeoutCountsAsFailedAttempt(t *testing.T) {
	timer := &immediateTimer{}
	h := HandlerFunc(func(ctx context.Context, _ *SyncJob) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q := startQueue(t, h, &recordingSink{}, timer)

	job := NewSyncJob(OpSync, 1, nil)
	job.Timeout = 20 * time.Millisecond
	job.MaxAttempts = 1
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()

	failed := q.Failed()
	if len(failed) != 1 || failed[0].State != StateFailedPermanently {
		t.Fatalf("expected timed out job to fail, got %+v", failed)
	}
}

func TestPanickingHandlerIsAFailure(t *testing.T) {
	h := HandlerFunc(func(context.Context, *SyncJob) error { panic("nil map") })
	q := startQueue(t, h, &recordingSink{}, &immediateTimer{})

	job := NewSyncJob(OpSync, 1, nil)
	job.MaxAttempts = 1
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()
	if q.Stats().Failed != 1 {
		t.Fatalf("expected the panic to fail the job, got %+v", q.Stats())
	}
}

func TestEnqueueFullAndClosed(t *testing.T) {
	q := NewMemoryQueue(QueueSync, HandlerFunc(func(context.Context, *SyncJob) error { return nil }), MemoryOptions{Capacity: 1})
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewSyncJob(OpSync, 1, nil)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, NewSyncJob(OpSync, 2, nil)); !apperr.Is(err, apperr.QueueFull) {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}
	q.Close()
	if err := q.Enqueue(ctx, NewSyncJob(OpSync, 3, nil)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestDispatcherRoutesByQueue(t *testing.T) {
	var syncCalls, statsCalls atomic.Int32
	syncQ := startQueue(t, HandlerFunc(func(context.Context, *SyncJob) error { syncCalls.Add(1); return nil }), nil, &immediateTimer{})
	statsQ := NewMemoryQueue(QueueStats, HandlerFunc(func(context.Context, *SyncJob) error { statsCalls.Add(1); return nil }), MemoryOptions{})
	statsQ.Start(context.Background())
	defer statsQ.Close()

	d := NewDispatcher()
	d.Register(QueueSync, syncQ)
	d.Register(QueueStats, statsQ)

	ctx := context.Background()
	if _, err := d.Enqueue(ctx, OpSync, 1, nil); err != nil {
		t.Fatalf("Enqueue sync: %v", err)
	}
	if _, err := d.Enqueue(ctx, OpStats, 0, nil); err != nil {
		t.Fatalf("Enqueue stats: %v", err)
	}
	syncQ.Drain()
	statsQ.Drain()
	if syncCalls.Load() != 1 || statsCalls.Load() != 1 {
		t.Fatalf("unexpected routing: sync=%d stats=%d", syncCalls.Load(), statsCalls.Load())
	}

	empty := NewDispatcher()
	if _, err := empty.Enqueue(ctx, OpSync, 1, nil); err == nil {
		t.Fatalf("expected error without a registered lane")
	}
}

func TestStoreSink(t *testing.T) {
	s, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	job := NewSyncJob(OpMarkRead, 8, map[string]any{"is_customer": true})
	job.Attempt = 3
	NewStoreSink(s).RecordFailure(context.Background(), job, errors.New("line_user_id is required"))

	rows, err := s.ListFailedJobs(context.Background(), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one failed job row, got %d (%v)", len(rows), err)
	}
	if rows[0].JobID != job.ID || rows[0].Operation != "mark_read" || rows[0].ConversationID != 8 || rows[0].Attempts != 3 {
		t.Fatalf("unexpected row %+v", rows[0])
	}
}
