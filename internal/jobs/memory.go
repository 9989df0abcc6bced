package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/apperr"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

const redeliverPoll = 50 * time.Millisecond

type MemoryOptions struct {
	Workers  int
	Capacity int
	Sink     FailureSink
	// After schedules a delayed redelivery; defaults to time.AfterFunc.
	After func(d time.Duration, f func())
}

// Stats is a snapshot of a MemoryQueue's counters.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// MemoryQueue is an in-process worker pool. Failed attempts are redelivered
// after their backoff delay.
type MemoryQueue struct {
	name    string
	handler Handler
	workers int
	sink    FailureSink
	after   func(time.Duration, func())
	now     func() time.Time

	jobs   chan *SyncJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	idle   *sync.Cond
	closed bool
	stats  Stats
	failed []SyncJob
}

func NewMemoryQueue(name string, h Handler, opts MemoryOptions) *MemoryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	q := &MemoryQueue{
		name:    name,
		handler: h,
		workers: opts.Workers,
		sink:    opts.Sink,
		after:   opts.After,
		now:     func() time.Time { return time.Now().UTC() },
		jobs:    make(chan *SyncJob, opts.Capacity),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Start launches the workers. They stop when ctx is cancelled or Close is called.
func (q *MemoryQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	log.Info("Queue started", "queue", q.name, "backend", "memory", "workers", q.workers)
}

// Enqueue never blocks; a full buffer is reported as QUEUE_FULL.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	job.State = StateQueued
	select {
	case q.jobs <- job:
	default:
		return apperr.Newf(apperr.QueueFull, "queue %s is full", q.name)
	}
	q.stats.Enqueued++
	q.stats.Pending++
	return nil
}

func (q *MemoryQueue) work(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

func (q *MemoryQueue) process(job *SyncJob) {
	result, delay, err := runAttempt(q.ctx, q.handler, job, q.now)
	switch result {
	case outcomeDone:
		q.finish(func(s *Stats) { s.Completed++ })
	case outcomeRetry:
		q.mu.Lock()
		q.stats.Retried++
		q.mu.Unlock()
		q.after(delay, func() { q.redeliver(job) })
	case outcomeFailed:
		if q.sink != nil {
			q.sink.RecordFailure(q.ctx, job, err)
		}
		q.mu.Lock()
		q.failed = append(q.failed, *job)
		q.mu.Unlock()
		q.finish(func(s *Stats) { s.Failed++ })
	}
}

// redeliver puts a retried job back on the buffer. Sends happen under the
// lock so none land after Close; a closed queue drops the job.
func (q *MemoryQueue) redeliver(job *SyncJob) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.finish(func(*Stats) {})
			return
		}
		select {
		case q.jobs <- job:
			q.mu.Unlock()
			return
		default:
		}
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			q.finish(func(*Stats) {})
			return
		case <-time.After(redeliverPoll):
		}
	}
}

func (q *MemoryQueue) finish(update func(*Stats)) {
	q.mu.Lock()
	update(&q.stats)
	q.stats.Pending--
	if q.stats.Pending == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

// Drain blocks until every enqueued job has completed or failed permanently.
func (q *MemoryQueue) Drain() {
	q.mu.Lock()
	for q.stats.Pending > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *MemoryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Failed returns copies of the jobs that failed permanently.
func (q *MemoryQueue) Failed() []SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncJob, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	dropped := q.discardBuffered()
	log.Info("Queue stopped", "queue", q.name, "backend", "memory", "dropped", dropped)
	return nil
}

// discardBuffered settles jobs still waiting in the buffer once the workers
// are gone.
func (q *MemoryQueue) discardBuffered() int {
	n := 0
	for {
		select {
		case <-q.jobs:
			q.finish(func(*Stats) {})
			n++
		default:
			return n
		}
	}
}
