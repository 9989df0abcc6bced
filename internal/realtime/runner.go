package realtime

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/apperr"
	"github.com/loanconsult/crm/internal/jobs"
	"github.com/loanconsult/crm/internal/store"
)

// Runner executes sync jobs against a SyncService.
type Runner struct {
	svc        *SyncService
	source     Source
	batchLimit int
}

func NewRunner(svc *SyncService, source Source, batchLimit int) *Runner {
	if batchLimit <= 0 {
		batchLimit = 50
	}
	return &Runner{svc: svc, source: source, batchLimit: batchLimit}
}

func (r *Runner) Handle(ctx context.Context, job *jobs.SyncJob) error {
	switch job.Operation {
	case jobs.OpSync:
		return r.syncOne(ctx, job)
	case jobs.OpDelete:
		lineUserID, ok := job.String("line_user_id")
		if !ok {
			return apperr.New(apperr.SyncPrecondition, "delete requires line_user_id")
		}
		return r.delete(ctx, job, lineUserID)
	case jobs.OpMarkRead:
		lineUserID, ok := job.String("line_user_id")
		if !ok {
			return apperr.New(apperr.SyncPrecondition, "mark_read requires line_user_id")
		}
		return r.svc.MarkAsRead(ctx, lineUserID, job.Bool("is_customer"))
	case jobs.OpBatchSync:
		limit := job.Int("limit", r.batchLimit)
		offset := job.Int("offset", 0)
		result, err := r.svc.BatchSync(ctx, limit, offset)
		if err != nil {
			return err
		}
		if result.Failed > 0 {
			return apperr.Newf(apperr.SyncFailed, "batch sync failed for %d of %d conversations", result.Failed, result.Failed+result.Succeeded)
		}
		return nil
	case jobs.OpStats:
		// Stats sync is disabled.
		log.Debug("Stats sync skipped", "job_id", job.ID)
		return nil
	default:
		return apperr.Newf(apperr.Invalid, "unknown sync operation %q", job.Operation)
	}
}

func (r *Runner) syncOne(ctx context.Context, job *jobs.SyncJob) error {
	conv, err := r.source.ConversationForMessage(ctx, job.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		if lineUserID, ok := job.String("line_user_id"); ok {
			conv, err = r.source.GetConversation(ctx, lineUserID)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Conversation to sync no longer exists", "conversation_id", job.ConversationID)
		return nil
	}
	if err != nil {
		return err
	}
	if conv.LineUserID == "" {
		log.Warn("Conversation has no line_user_id, skipping sync", "conversation_id", job.ConversationID)
		return nil
	}
	return r.svc.SyncConversation(ctx, conv)
}

// delete removes the conversation from the realtime store once it is gone
// from the primary store. While messages remain, only the deleted message is
// dropped and the summary is resynced.
func (r *Runner) delete(ctx context.Context, job *jobs.SyncJob, lineUserID string) error {
	conv, err := r.source.GetConversation(ctx, lineUserID)
	if errors.Is(err, store.ErrNotFound) {
		return r.svc.DeleteConversation(ctx, lineUserID)
	}
	if err != nil {
		return err
	}
	if id := job.Int("message_id", 0); id > 0 {
		if err := r.svc.DeleteMessage(ctx, lineUserID, int64(id)); err != nil {
			return err
		}
	}
	return r.svc.SyncConversation(ctx, conv)
}
