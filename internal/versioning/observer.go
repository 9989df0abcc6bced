package versioning

import (
	"context"
	"reflect"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/store"
)

// Bookkeeping fields never count as a change; stamping writes them.
var bookkeeping = map[string]bool{
	"version":            true,
	"version_updated_at": true,
}

// Stamper writes a version onto an entity row without running hooks.
type Stamper interface {
	StampVersion(ctx context.Context, entityType string, entityID int64, version int64, at time.Time) error
}

// Observer is a store.Hook that records every write in the version ledger
// and stamps versioned entities with the result. Failures are logged and
// never reach the caller's write.
type Observer struct {
	tracker *Tracker
	stamper Stamper
	now     func() time.Time
}

func NewObserver(tracker *Tracker, stamper Stamper) *Observer {
	return &Observer{
		tracker: tracker,
		stamper: stamper,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Observer) AfterCreate(ctx context.Context, e store.Entity) {
	o.record(ctx, e, OpCreate, nil)
}

func (o *Observer) AfterUpdate(ctx context.Context, old, new store.Entity) {
	changes := Diff(old.Snapshot(), new.Snapshot())
	if len(changes) == 0 {
		return
	}
	o.record(ctx, new, OpUpdate, changes)
}

func (o *Observer) AfterDelete(ctx context.Context, e store.Entity) {
	o.record(ctx, e, OpDelete, nil)
}

func (o *Observer) record(ctx context.Context, e store.Entity, op string, changes map[string]any) {
	entityType := EntityType(e)
	version, err := o.tracker.SetEntityVersion(ctx, entityType, e.EntityID(), op, changes, store.ActorFrom(ctx))
	if err != nil {
		log.Error("Version tracking failed", "entity_type", entityType, "entity_id", e.EntityID(), "op", op, "err", err)
		return
	}
	if op == OpDelete {
		return
	}
	versioned, ok := e.(store.Versioned)
	if !ok {
		return
	}
	at := o.now()
	if err := o.stamper.StampVersion(ctx, entityType, e.EntityID(), version, at); err != nil {
		log.Error("Failed to stamp entity version", "entity_type", entityType, "entity_id", e.EntityID(), "op", op, "version", version, "err", err)
		return
	}
	versioned.SetVersion(version, at)
	log.Debug("Entity version bumped", "entity_type", entityType, "entity_id", e.EntityID(), "op", op, "version", version)
}

// Diff returns {field: {old, new}} for every non-bookkeeping field whose
// value differs between the two snapshots.
func Diff(old, new map[string]any) map[string]any {
	changes := map[string]any{}
	compare := func(k string) {
		if bookkeeping[k] {
			return
		}
		if _, done := changes[k]; done {
			return
		}
		if !reflect.DeepEqual(old[k], new[k]) {
			changes[k] = map[string]any{"old": old[k], "new": new[k]}
		}
	}
	for k := range old {
		compare(k)
	}
	for k := range new {
		compare(k)
	}
	return changes
}
