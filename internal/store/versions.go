package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// BumpVersion atomically increments the counter for (entityType, entityID)
// and appends an audit event in the same transaction. The increment is a
// single upsert statement, so concurrent writers across processes never
// observe the same version.
func (s *Store) BumpVersion(ctx context.Context, entityType string, entityID int64, op string, changes map[string]any, userID *int64) (int64, error) {
	changesJSON := "{}"
	if len(changes) > 0 {
		b, err := json.Marshal(changes)
		if err != nil {
			return 0, fmt.Errorf("failed to encode changes: %w", err)
		}
		changesJSON = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin version tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var version int64
	err = tx.QueryRowContext(ctx, s.rebind(
		`INSERT INTO entity_versions (entity_type, entity_id, version, updated_at) VALUES (?, ?, 1, ?)
         ON CONFLICT (entity_type, entity_id) DO UPDATE SET version = entity_versions.version + 1, updated_at = excluded.updated_at
         RETURNING version`),
		entityType, entityID, now).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to increment version: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO version_events (event_id, entity_type, entity_id, version, operation, changes, user_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ksuid.New().String(), entityType, entityID, version, op, changesJSON, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to record version event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit version tx: %w", err)
	}
	return version, nil
}

// CurrentVersion returns the ledger counter, 0 when the entity is untracked.
func (s *Store) CurrentVersion(ctx context.Context, entityType string, entityID int64) (int64, error) {
	var version int64
	err := s.queryRow(ctx, "SELECT version FROM entity_versions WHERE entity_type = ? AND entity_id = ?", entityType, entityID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	return version, nil
}

var versionTables = map[string]string{
	"chat":     "chat_messages",
	"customer": "customers",
	"user":     "users",
}

// StampVersion copies a ledger version onto the entity row. It does not run
// hooks.
func (s *Store) StampVersion(ctx context.Context, entityType string, entityID int64, version int64, at time.Time) error {
	table, ok := versionTables[entityType]
	if !ok {
		return fmt.Errorf("entity type %q has no version columns", entityType)
	}
	_, err := s.exec(ctx, "UPDATE "+table+" SET version = ?, version_updated_at = ? WHERE id = ?", version, at, entityID)
	if err != nil {
		return fmt.Errorf("failed to stamp %s %d: %w", entityType, entityID, err)
	}
	return nil
}

// EventsSince returns ledger events of entityType with seq > since, oldest first.
func (s *Store) EventsSince(ctx context.Context, entityType string, since int64, limit int) ([]VersionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT seq, event_id, entity_type, entity_id, version, operation, changes, user_id, created_at
         FROM version_events WHERE entity_type = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		entityType, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query version events: %w", err)
	}
	defer rows.Close()

	events := []VersionEvent{}
	for rows.Next() {
		var e VersionEvent
		var changes string
		var userID sql.NullInt64
		if err := rows.Scan(&e.Seq, &e.EventID, &e.EntityType, &e.EntityID, &e.Version, &e.Operation, &changes, &userID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version event: %w", err)
		}
		e.UserID = int64Ptr(userID)
		if changes != "" && changes != "{}" {
			if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
				return nil, fmt.Errorf("failed to decode changes of event %d: %w", e.Seq, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the newest ledger sequence for entityType, 0 when empty.
func (s *Store) LatestSeq(ctx context.Context, entityType string) (int64, error) {
	var seq sql.NullInt64
	if err := s.queryRow(ctx, "SELECT MAX(seq) FROM version_events WHERE entity_type = ?", entityType).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return seq.Int64, nil
}
