package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// ErrRetryExpired fails a redelivered job that arrives after its retry
// deadline.
var ErrRetryExpired = errors.New("retry deadline passed")

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeFailed
)

// runAttempt executes one attempt of job under its timeout and moves the job
// to its next state. delay is the wait before the next attempt.
func runAttempt(ctx context.Context, h Handler, job *SyncJob, now func() time.Time) (result outcome, delay time.Duration, err error) {
	if job.Attempt > 0 && now().After(job.RetryDeadline) {
		err = fmt.Errorf("attempt %d of job %s: %w", job.Attempt+1, job.ID, ErrRetryExpired)
		job.State = StateFailedPermanently
		jobsTotal.WithLabelValues(string(job.Operation), "failed").Inc()
		log.Error("Sync job expired before redelivery",
			"job_id", job.ID, "op", job.Operation, "conversation_id", job.ConversationID,
			"attempts", job.Attempt, "retry_deadline", job.RetryDeadline, "tags", job.Tags())
		return outcomeFailed, 0, err
	}

	job.Attempt++
	job.State = StateRunning
	started := now()

	attemptCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	done := make(chan error, 1)
	go func() { done <- safeHandle(attemptCtx, h, job) }()
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		// The handler keeps running detached; jobs are idempotent.
		err = fmt.Errorf("job exceeded timeout of %s: %w", job.Timeout, attemptCtx.Err())
	}
	cancel()

	elapsed := now().Sub(started)
	jobDuration.WithLabelValues(string(job.Operation)).Observe(elapsed.Seconds())
	record := AttemptRecord{Number: job.Attempt, StartedAt: started, Duration: elapsed}

	if err == nil {
		job.State = StateCompleted
		job.History = append(job.History, record)
		jobsTotal.WithLabelValues(string(job.Operation), "completed").Inc()
		log.Debug("Sync job completed", "job_id", job.ID, "op", job.Operation, "conversation_id", job.ConversationID, "attempt", job.Attempt)
		return outcomeDone, 0, nil
	}

	delay = NextDelay(job.Attempt)
	record.Error = err.Error()
	record.Backoff = delay
	job.History = append(job.History, record)

	if job.canRetry(now()) {
		job.State = StateRetrying
		jobsTotal.WithLabelValues(string(job.Operation), "retried").Inc()
		log.Warn("Sync job attempt failed",
			"job_id", job.ID, "op", job.Operation, "conversation_id", job.ConversationID,
			"attempt", job.Attempt, "max_attempts", job.MaxAttempts, "backoff", delay, "err", err)
		return outcomeRetry, delay, err
	}

	job.State = StateFailedPermanently
	jobsTotal.WithLabelValues(string(job.Operation), "failed").Inc()
	log.Error("Sync job failed permanently",
		"job_id", job.ID, "op", job.Operation, "conversation_id", job.ConversationID,
		"attempts", job.Attempt, "tags", job.Tags(), "err", err)
	return outcomeFailed, delay, err
}

func safeHandle(ctx context.Context, h Handler, job *SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}
