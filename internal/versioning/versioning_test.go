package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loanconsult/crm/internal/store"
)

func newVersionedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.Use(NewObserver(NewTracker(s), s))
	return s
}

func TestVersionFollowsRealChanges(t *testing.T) {
	s := newVersionedStore(t)
	ctx := context.Background()

	c := &store.Customer{Name: "Hsu"}
	if err := s.CreateCustomer(ctx, c); err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if c.Version != 1 || c.VersionUpdatedAt == nil {
		t.Fatalf("expected version 1 after create, got %d", c.Version)
	}

	c.Name = "Hsu Mei"
	if err := s.UpdateCustomer(ctx, c); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	c.Phone = "0922"
	if err := s.UpdateCustomer(ctx, c); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	if c.Version != 3 {
		t.Fatalf("expected version 3 after two updates, got %d", c.Version)
	}

	// Only bookkeeping fields differ: no bump.
	stale := *c
	stale.Version = 99
	if err := s.UpdateCustomer(ctx, &stale); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	reloaded, err := s.GetCustomer(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if reloaded.Version != 3 {
		t.Fatalf("expected stored version to stay 3, got %d", reloaded.Version)
	}
	if v, _ := s.CurrentVersion(ctx, "customer", c.ID); v != 3 {
		t.Fatalf("expected ledger version 3, got %d", v)
	}
}

func TestPasswordChangeIsAuditedWithoutHashes(t *testing.T) {
	s := newVersionedStore(t)
	ctx := context.Background()

	u := &store.User{Username: "amy", PasswordHash: "$2a$10$first", Role: store.RoleStaff, IsActive: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u.PasswordHash = "$2a$10$second"
	if err := s.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.Version != 2 {
		t.Fatalf("a password change should bump the version, got %d", u.Version)
	}

	events, err := s.EventsSince(ctx, "user", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected create and update events, got %d", len(events))
	}
	if _, ok := events[1].Changes["password_hash"]; !ok {
		t.Fatalf("update event should record the password change, got %v", events[1].Changes)
	}
	for _, ev := range events {
		raw, _ := json.Marshal(ev.Changes)
		if strings.Contains(string(raw), "$2a$10$") {
			t.Fatalf("%s event leaks a password hash: %s", ev.Operation, raw)
		}
	}
}

func TestDeleteRecordsFinalEvent(t *testing.T) {
	s := newVersionedStore(t)
	ctx := store.WithActor(context.Background(), 7)

	m := &store.ChatMessage{LineUserID: "U1", MessageContent: "hi", IsFromCustomer: true}
	if err := s.CreateChatMessage(ctx, m); err != nil {
		t.Fatalf("CreateChatMessage: %v", err)
	}
	if err := s.DeleteChatMessage(ctx, m.ID); err != nil {
		t.Fatalf("DeleteChatMessage: %v", err)
	}
	events, err := s.EventsSince(ctx, "chat", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected create and delete events, got %d", len(events))
	}
	last := events[1]
	if last.Operation != OpDelete || last.Version != 2 {
		t.Fatalf("unexpected delete event %+v", last)
	}
	if last.UserID == nil || *last.UserID != 7 {
		t.Fatalf("expected actor 7 on event, got %v", last.UserID)
	}
}

func TestUnversionedEntitiesUseTypeName(t *testing.T) {
	s := newVersionedStore(t)
	ctx := context.Background()

	c := &store.Customer{Name: "Lo"}
	if err := s.CreateCustomer(ctx, c); err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	cs := &store.CustomerCase{CustomerID: c.ID, CaseNumber: "A-1"}
	if err := s.CreateCase(ctx, cs); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if v, _ := s.CurrentVersion(ctx, "customer_case", cs.ID); v != 1 {
		t.Fatalf("expected customer_case version 1, got %d", v)
	}
}

type failingLedger struct{ calls int }

func (f *failingLedger) BumpVersion(context.Context, string, int64, string, map[string]any, *int64) (int64, error) {
	f.calls++
	return 0, errors.New("ledger offline")
}

type recordingStamper struct{ calls int }

func (r *recordingStamper) StampVersion(context.Context, string, int64, int64, time.Time) error {
	r.calls++
	return nil
}

func TestLedgerFailureIsSwallowed(t *testing.T) {
	ledger := &failingLedger{}
	stamper := &recordingStamper{}
	obs := NewObserver(NewTracker(ledger), stamper)

	u := &store.User{ID: 5, Username: "eve"}
	obs.AfterCreate(context.Background(), u)

	if ledger.calls != 1 {
		t.Fatalf("expected one ledger call, got %d", ledger.calls)
	}
	if stamper.calls != 0 || u.Version != 0 {
		t.Fatalf("entity must not be stamped after a ledger failure")
	}
}

func TestTrackerRejectsUnknownOperation(t *testing.T) {
	tr := NewTracker(&failingLedger{})
	if _, err := tr.SetEntityVersion(context.Background(), "user", 1, "upsert", nil, nil); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
}

func TestDiff(t *testing.T) {
	old := map[string]any{"name": "a", "phone": "1", "version": int64(1), "version_updated_at": "x"}
	new := map[string]any{"name": "b", "phone": "1", "version": int64(2), "version_updated_at": "y", "email": "e"}

	changes := Diff(old, new)
	if len(changes) != 2 {
		t.Fatalf("expected name and email changes, got %v", changes)
	}
	name, ok := changes["name"].(map[string]any)
	if !ok || name["old"] != "a" || name["new"] != "b" {
		t.Fatalf("unexpected name change %v", changes["name"])
	}
	if _, ok := changes["version"]; ok {
		t.Fatalf("bookkeeping fields must be ignored")
	}
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"CustomerCase": "customer_case",
		"User":         "user",
		"HTTPLog":      "http_log",
		"CustomerLead": "customer_lead",
	}
	for in, want := range tests {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
	if got := EntityType(&store.CustomerCase{}); got != "customer_case" {
		t.Errorf("EntityType(CustomerCase) = %q", got)
	}
	if got := EntityType(&store.ChatMessage{}); got != "chat" {
		t.Errorf("EntityType(ChatMessage) = %q", got)
	}
}
