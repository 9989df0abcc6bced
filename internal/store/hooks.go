package store

import (
	"context"
	"time"
)

// Entity is any row the store passes to hooks.
type Entity interface {
	EntityID() int64
	// Snapshot returns the row's tracked fields as comparable values.
	Snapshot() map[string]any
}

// Versioned entities carry version columns that hooks may stamp.
type Versioned interface {
	Entity
	VersionEntityType() string
	SetVersion(version int64, at time.Time)
}

// Hook is invoked synchronously after a successful write, in registration
// order. Hooks cannot fail the write; they handle their own errors.
type Hook interface {
	AfterCreate(ctx context.Context, e Entity)
	AfterUpdate(ctx context.Context, old, new Entity)
	AfterDelete(ctx context.Context, e Entity)
}

// NopHook can be embedded by hooks that only care about some events.
type NopHook struct{}

func (NopHook) AfterCreate(context.Context, Entity)         {}
func (NopHook) AfterUpdate(context.Context, Entity, Entity) {}
func (NopHook) AfterDelete(context.Context, Entity)         {}

// Use registers a hook.
func (s *Store) Use(h Hook) {
	s.hooks = append(s.hooks, h)
}

func (s *Store) fireCreate(ctx context.Context, e Entity) {
	for _, h := range s.hooks {
		h.AfterCreate(ctx, e)
	}
}

func (s *Store) fireUpdate(ctx context.Context, old, new Entity) {
	for _, h := range s.hooks {
		h.AfterUpdate(ctx, old, new)
	}
}

func (s *Store) fireDelete(ctx context.Context, e Entity) {
	for _, h := range s.hooks {
		h.AfterDelete(ctx, e)
	}
}

type actorKey struct{}

// WithActor records the acting user id on ctx for audit.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user id, if any.
func ActorFrom(ctx context.Context) *int64 {
	if id, ok := ctx.Value(actorKey{}).(int64); ok {
		return &id
	}
	return nil
}
