// Package versioning keeps a monotonically increasing version per tracked
// entity and stamps it back onto the entity after every write.
package versioning

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

var versionBumps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crm_entity_version_bumps_total",
	Help: "Entity version increments by entity type and operation.",
}, []string{"entity_type", "operation"})

// Ledger persists version counters. Bumps must be atomic across processes.
type Ledger interface {
	BumpVersion(ctx context.Context, entityType string, entityID int64, op string, changes map[string]any, userID *int64) (int64, error)
}

type Tracker struct {
	ledger Ledger
}

func NewTracker(ledger Ledger) *Tracker {
	return &Tracker{ledger: ledger}
}

// SetEntityVersion increments the counter of (entityType, entityID) by one
// and returns the new value. On error no version was assigned.
func (t *Tracker) SetEntityVersion(ctx context.Context, entityType string, entityID int64, op string, changes map[string]any, userID *int64) (int64, error) {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return 0, fmt.Errorf("unknown version operation %q", op)
	}
	if entityType == "" {
		return 0, fmt.Errorf("entity type is required")
	}
	version, err := t.ledger.BumpVersion(ctx, entityType, entityID, op, changes, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump %s %d version: %w", entityType, entityID, err)
	}
	versionBumps.WithLabelValues(entityType, op).Inc()
	return version, nil
}
