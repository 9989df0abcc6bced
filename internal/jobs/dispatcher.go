package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Dispatcher routes jobs to the lane named by their Queue field.
type Dispatcher struct {
	mu    sync.RWMutex
	lanes map[string]Queue
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{lanes: map[string]Queue{}}
}

func (d *Dispatcher) Register(name string, q Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lanes[name] = q
}

// Dispatch hands job to its lane.
func (d *Dispatcher) Dispatch(ctx context.Context, job *SyncJob) error {
	d.mu.RLock()
	q, ok := d.lanes[job.Queue]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no queue registered for %q", job.Queue)
	}
	return q.Enqueue(ctx, job)
}

// Enqueue builds a job and dispatches it. Callers treat it as fire and
// forget: failures are logged here and returned for callers that care.
func (d *Dispatcher) Enqueue(ctx context.Context, op Operation, conversationID int64, data map[string]any) (*SyncJob, error) {
	job := NewSyncJob(op, conversationID, data)
	if err := d.Dispatch(ctx, job); err != nil {
		log.Error("Failed to enqueue sync job", "op", op, "conversation_id", conversationID, "err", err)
		return job, err
	}
	log.Debug("Sync job enqueued", "job_id", job.ID, "queue", job.Queue, "tags", job.Tags())
	return job, nil
}

// Close closes every lane.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, q := range d.lanes {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
