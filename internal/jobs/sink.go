package jobs

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/store"
)

// FailureSink records jobs that failed permanently.
type FailureSink interface {
	RecordFailure(ctx context.Context, job *SyncJob, err error)
}

type failedJobRecorder interface {
	RecordFailedJob(ctx context.Context, j *store.FailedJob) error
}

// StoreSink writes terminal failures to the failed_jobs table.
type StoreSink struct {
	store failedJobRecorder
}

func NewStoreSink(s failedJobRecorder) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) RecordFailure(ctx context.Context, job *SyncJob, err error) {
	payload, merr := json.Marshal(job)
	if merr != nil {
		payload = []byte("{}")
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	record := &store.FailedJob{
		JobID:          job.ID,
		Queue:          job.Queue,
		Operation:      string(job.Operation),
		ConversationID: job.ConversationID,
		Payload:        string(payload),
		Attempts:       job.Attempt,
		Error:          msg,
	}
	// The caller's context may already be cancelled by the job timeout.
	if rerr := s.store.RecordFailedJob(context.WithoutCancel(ctx), record); rerr != nil {
		log.Error("Failed to record failed job", "job_id", job.ID, "op", job.Operation, "err", rerr)
	}
}
