// Package jobs runs retryable background sync jobs on an in-process worker
// pool or a RabbitMQ lane.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpSync      Operation = "sync"
	OpDelete    Operation = "delete"
	OpMarkRead  Operation = "mark_read"
	OpBatchSync Operation = "batch_sync"
	OpStats     Operation = "stats"
)

const (
	QueueSync  = "firebase-sync"
	QueueStats = "firebase-stats"
)

type State string

const (
	StateQueued            State = "queued"
	StateRunning           State = "running"
	StateCompleted         State = "completed"
	StateRetrying          State = "retrying"
	StateFailedPermanently State = "failed_permanently"
)

const (
	DefaultMaxAttempts = 3
	RetryWindow        = 5 * time.Minute
	SingleTimeout      = 60 * time.Second
	BatchTimeout       = 300 * time.Second
)

var backoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// NextDelay is the wait after the given failed attempt (1-based).
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[attempt-1]
}

// AttemptRecord is one entry of a job's history.
type AttemptRecord struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Backoff   time.Duration `json:"backoff,omitempty"`
}

// SyncJob is owned by its queue from enqueue until it completes or fails
// permanently.
type SyncJob struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	ConversationID int64           `json:"conversation_id"`
	Operation      Operation       `json:"operation"`
	AdditionalData map[string]any  `json:"additional_data,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Timeout        time.Duration   `json:"timeout"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	RetryDeadline  time.Time       `json:"retry_deadline"`
	State          State           `json:"state"`
	History        []AttemptRecord `json:"history,omitempty"`
}

// NewSyncJob builds a queued job with the lane, timeout and retry budget of op.
func NewSyncJob(op Operation, conversationID int64, data map[string]any) *SyncJob {
	now := time.Now().UTC()
	job := &SyncJob{
		ID:             uuid.NewString(),
		Queue:          QueueSync,
		ConversationID: conversationID,
		Operation:      op,
		AdditionalData: data,
		MaxAttempts:    DefaultMaxAttempts,
		Timeout:        SingleTimeout,
		EnqueuedAt:     now,
		RetryDeadline:  now.Add(RetryWindow),
		State:          StateQueued,
	}
	switch op {
	case OpBatchSync:
		job.Timeout = BatchTimeout
	case OpStats:
		job.Queue = QueueStats
		job.Timeout = BatchTimeout
	}
	if job.AdditionalData == nil {
		job.AdditionalData = map[string]any{}
	}
	return job
}

func (j *SyncJob) Tags() []string {
	return []string{j.Queue, string(j.Operation), fmt.Sprintf("conversation:%d", j.ConversationID)}
}

// canRetry reports whether another attempt fits both the attempt budget and
// the retry deadline.
func (j *SyncJob) canRetry(now time.Time) bool {
	return j.Attempt < j.MaxAttempts && now.Before(j.RetryDeadline)
}

// String returns data[key] when it is a non-empty string.
func (j *SyncJob) String(key string) (string, bool) {
	s, ok := j.AdditionalData[key].(string)
	return s, ok && s != ""
}

// Int returns data[key] as an int, accepting JSON numbers.
func (j *SyncJob) Int(key string, fallback int) int {
	switch v := j.AdditionalData[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// Bool returns data[key] as a bool.
func (j *SyncJob) Bool(key string) bool {
	b, _ := j.AdditionalData[key].(bool)
	return b
}

// Handler performs one attempt of a job.
type Handler interface {
	Handle(ctx context.Context, job *SyncJob) error
}

type HandlerFunc func(ctx context.Context, job *SyncJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *SyncJob) error {
	return f(ctx, job)
}

// Queue accepts jobs for one lane.
type Queue interface {
	Enqueue(ctx context.Context, job *SyncJob) error
	Close() error
}
