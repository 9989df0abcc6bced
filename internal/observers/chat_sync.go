package observers

import (
	"context"

	"github.com/loanconsult/crm/internal/codec"
	"github.com/loanconsult/crm/internal/jobs"
	"github.com/loanconsult/crm/internal/store"
)

// Enqueuer schedules sync jobs without waiting for them.
type Enqueuer interface {
	Enqueue(ctx context.Context, op jobs.Operation, conversationID int64, data map[string]any) (*jobs.SyncJob, error)
}

// Notifier pushes live chat events to connected clients.
type Notifier interface {
	Publish(event string, lineUserID string, payload any)
}

const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
)

// ChatSyncObserver mirrors chat message writes into the realtime store via
// sync jobs and notifies live clients.
type ChatSyncObserver struct {
	store.NopHook
	jobs     Enqueuer
	notifier Notifier
}

// NewChatSyncObserver builds the observer; notifier may be nil.
func NewChatSyncObserver(q Enqueuer, notifier Notifier) *ChatSyncObserver {
	return &ChatSyncObserver{jobs: q, notifier: notifier}
}

func (o *ChatSyncObserver) AfterCreate(ctx context.Context, e store.Entity) {
	if m, ok := e.(*store.ChatMessage); ok {
		o.sync(ctx, m, EventMessageCreated)
	}
}

func (o *ChatSyncObserver) AfterUpdate(ctx context.Context, _, new store.Entity) {
	if m, ok := new.(*store.ChatMessage); ok {
		o.sync(ctx, m, EventMessageUpdated)
	}
}

func (o *ChatSyncObserver) AfterDelete(ctx context.Context, e store.Entity) {
	m, ok := e.(*store.ChatMessage)
	if !ok {
		return
	}
	// Enqueue failures are logged by the dispatcher.
	o.jobs.Enqueue(ctx, jobs.OpDelete, m.ID, map[string]any{"line_user_id": m.LineUserID, "message_id": m.ID})
	o.notify(EventMessageDeleted, m.LineUserID, map[string]any{"i": m.ID, "u": m.LineUserID})
}

func (o *ChatSyncObserver) sync(ctx context.Context, m *store.ChatMessage, event string) {
	o.jobs.Enqueue(ctx, jobs.OpSync, m.ID, map[string]any{"line_user_id": m.LineUserID})
	o.notify(event, m.LineUserID, codec.CompactMessage(m))
}

func (o *ChatSyncObserver) notify(event, lineUserID string, payload any) {
	if o.notifier != nil {
		o.notifier.Publish(event, lineUserID, payload)
	}
}
