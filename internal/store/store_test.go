package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingHook struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHook) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHook) AfterCreate(_ context.Context, e Entity) { h.add("create") }
func (h *recordingHook) AfterUpdate(_ context.Context, old, new Entity) {
	if old.EntityID() != new.EntityID() {
		h.add("update-mismatch")
		return
	}
	h.add("update")
}
func (h *recordingHook) AfterDelete(_ context.Context, e Entity) { h.add("delete") }

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/crm"); !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("expected ErrUnsupportedDSN, got %v", err)
	}
	if _, err := Open(""); !errors.Is(err, ErrUnsupportedDSN) {
		t.Fatalf("expected ErrUnsupportedDSN for empty dsn, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	if got != "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)" {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &Store{dialect: DialectSQLite}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite queries must not be rewritten, got %q", q)
	}
}

func TestCustomerCRUDRunsHooks(t *testing.T) {
	s := newTestStore(t)
	hook := &recordingHook{}
	s.Use(hook)
	ctx := context.Background()

	line := "U123"
	c := &Customer{Name: "Lin", Phone: "0912", LineUserID: &line}
	if err := s.CreateCustomer(ctx, c); err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if c.ID == 0 || c.Status != "new" {
		t.Fatalf("expected id and default status, got id=%d status=%q", c.ID, c.Status)
	}

	got, err := s.GetCustomerByLineUserID(ctx, "U123")
	if err != nil {
		t.Fatalf("GetCustomerByLineUserID: %v", err)
	}
	if got.Name != "Lin" || got.LineUserID == nil || *got.LineUserID != "U123" {
		t.Fatalf("unexpected customer %+v", got)
	}

	got.Phone = "0988"
	if err := s.UpdateCustomer(ctx, got); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	reloaded, _ := s.GetCustomer(ctx, c.ID)
	if reloaded.Phone != "0988" {
		t.Fatalf("expected phone update, got %q", reloaded.Phone)
	}

	if err := s.DeleteCustomer(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCustomer: %v", err)
	}
	if _, err := s.GetCustomer(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	want := []string{"create", "update", "delete"}
	if len(hook.events) != len(want) {
		t.Fatalf("expected hook events %v, got %v", want, hook.events)
	}
	for i := range want {
		if hook.events[i] != want[i] {
			t.Fatalf("expected hook events %v, got %v", want, hook.events)
		}
	}
}

func TestListCustomersFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	staff := &User{Username: "amy", PasswordHash: "x", Role: RoleStaff, IsActive: true}
	if err := s.CreateUser(ctx, staff); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		c := &Customer{Name: name}
		if name == "Beta" {
			c.AssignedTo = &staff.ID
		}
		if err := s.CreateCustomer(ctx, c); err != nil {
			t.Fatalf("CreateCustomer %s: %v", name, err)
		}
	}

	all, err := s.ListCustomers(ctx, CustomerFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 customers, got %d (%v)", len(all), err)
	}
	mine, err := s.ListCustomers(ctx, CustomerFilter{AssignedTo: &staff.ID})
	if err != nil || len(mine) != 1 || mine[0].Name != "Beta" {
		t.Fatalf("expected only Beta for staff, got %+v (%v)", mine, err)
	}
	search, err := s.ListCustomers(ctx, CustomerFilter{Search: "amm"})
	if err != nil || len(search) != 1 || search[0].Name != "Gamma" {
		t.Fatalf("expected Gamma from search, got %+v (%v)", search, err)
	}
	page, err := s.ListCustomers(ctx, CustomerFilter{Limit: 2, Offset: 2})
	if err != nil || len(page) != 1 {
		t.Fatalf("expected 1 customer on second page, got %d (%v)", len(page), err)
	}
}

func TestBumpVersionSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if v, err := s.CurrentVersion(ctx, "customer", 9); err != nil || v != 0 {
		t.Fatalf("expected untracked version 0, got %d (%v)", v, err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := s.BumpVersion(ctx, "customer", 9, "update", map[string]any{"name": map[string]any{"old": "a", "new": "b"}}, nil)
		if err != nil {
			t.Fatalf("BumpVersion: %v", err)
		}
		if got != want {
			t.Fatalf("expected version %d, got %d", want, got)
		}
	}
	if v, _ := s.CurrentVersion(ctx, "customer", 9); v != 3 {
		t.Fatalf("expected stored version 3, got %d", v)
	}
	if v, _ := s.CurrentVersion(ctx, "user", 9); v != 0 {
		t.Fatalf("counters must be keyed by entity type, got %d", v)
	}

	events, err := s.EventsSince(ctx, "customer", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Changes["name"] == nil {
		t.Fatalf("expected changes to round-trip, got %+v", events[0].Changes)
	}
	if events[0].EventID == events[1].EventID {
		t.Fatalf("event ids must be unique")
	}
	latest, _ := s.LatestSeq(ctx, "customer")
	if latest != events[2].Seq {
		t.Fatalf("expected latest seq %d, got %d", events[2].Seq, latest)
	}
}

func TestBumpVersionConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	results := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.BumpVersion(ctx, "chat", 1, "update", nil, nil)
			if err != nil {
				t.Errorf("BumpVersion: %v", err)
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("version %d handed out twice", v)
		}
		seen[v] = true
	}
	for v := int64(1); v <= writers; v++ {
		if !seen[v] {
			t.Fatalf("missing version %d in %v", v, seen)
		}
	}
}

func TestStampVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "bob", PasswordHash: "x", IsActive: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.StampVersion(ctx, "user", u.ID, 4, at); err != nil {
		t.Fatalf("StampVersion: %v", err)
	}
	got, _ := s.GetUser(ctx, u.ID)
	if got.Version != 4 || got.VersionUpdatedAt == nil || !got.VersionUpdatedAt.Equal(at) {
		t.Fatalf("unexpected stamp %d %v", got.Version, got.VersionUpdatedAt)
	}
	if err := s.StampVersion(ctx, "customer_case", 1, 1, at); err == nil {
		t.Fatalf("expected error for entity without version columns")
	}
}

func TestConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	line := "Uabc"
	cust := &Customer{Name: "Chen", Phone: "0911", LineUserID: &line}
	if err := s.CreateCustomer(ctx, cust); err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	msgs := []*ChatMessage{
		{LineUserID: "Uabc", MessageContent: "hello", IsFromCustomer: true},
		{LineUserID: "Uabc", MessageContent: "need a loan", IsFromCustomer: true},
		{LineUserID: "Uxyz", MessageContent: "hi", IsFromCustomer: true, Metadata: map[string]any{"sticker": "1"}},
	}
	for _, m := range msgs {
		if err := s.CreateChatMessage(ctx, m); err != nil {
			t.Fatalf("CreateChatMessage: %v", err)
		}
	}

	convs, err := s.ListConversations(ctx, ConversationFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].LineUserID != "Uxyz" {
		t.Fatalf("expected most recent conversation first, got %s", convs[0].LineUserID)
	}
	abc := convs[1]
	if abc.CustomerName != "Chen" || abc.UnreadCount != 2 || abc.LastMessage != "need a loan" {
		t.Fatalf("unexpected summary %+v", abc)
	}

	n, err := s.MarkConversationRead(ctx, "Uabc")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 messages marked read, got %d (%v)", n, err)
	}
	if unread, _ := s.CountUnread(ctx, "Uabc"); unread != 0 {
		t.Fatalf("expected 0 unread, got %d", unread)
	}

	n, err = s.MarkConversationReplied(ctx, "Uabc")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 messages marked replied, got %d (%v)", n, err)
	}
	if replied, _ := s.GetChatMessage(ctx, msgs[0].ID); replied.Status != MessageReplied {
		t.Fatalf("expected replied status, got %q", replied.Status)
	}

	got, err := s.GetChatMessage(ctx, msgs[2].ID)
	if err != nil || got.Metadata["sticker"] != "1" {
		t.Fatalf("expected metadata round-trip, got %+v (%v)", got, err)
	}

	total, _ := s.CountConversations(ctx)
	if total != 2 {
		t.Fatalf("expected 2 conversations counted, got %d", total)
	}

	deleted, err := s.DeleteConversation(ctx, "Uabc")
	if err != nil || deleted != 2 {
		t.Fatalf("expected 2 messages deleted, got %d (%v)", deleted, err)
	}
	if _, err := s.GetConversation(ctx, "Uabc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected conversation gone, got %v", err)
	}
}

func TestStatusChangesRunHooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, m := range []*ChatMessage{
		{LineUserID: "U1", MessageContent: "a", IsFromCustomer: true},
		{LineUserID: "U1", MessageContent: "b", IsFromCustomer: true},
		{LineUserID: "U1", MessageContent: "ours", Status: MessageReplied},
	} {
		if err := s.CreateChatMessage(ctx, m); err != nil {
			t.Fatalf("CreateChatMessage: %v", err)
		}
	}
	hook := &recordingHook{}
	s.Use(hook)

	if n, err := s.MarkConversationRead(ctx, "U1"); err != nil || n != 2 {
		t.Fatalf("MarkConversationRead: %d %v", n, err)
	}
	if n, err := s.MarkConversationRead(ctx, "U1"); err != nil || n != 0 {
		t.Fatalf("a second read should change nothing, got %d %v", n, err)
	}
	if n, err := s.MarkConversationReplied(ctx, "U1"); err != nil || n != 2 {
		t.Fatalf("MarkConversationReplied: %d %v", n, err)
	}
	if len(hook.events) != 4 {
		t.Fatalf("expected one update per changed row, got %v", hook.events)
	}
	for _, ev := range hook.events {
		if ev != "update" {
			t.Fatalf("unexpected hook event %q", ev)
		}
	}
}

func TestReassignLeadsAndCases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Customer{Name: "Wu"}
	if err := s.CreateCustomer(ctx, c); err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	u := &User{Username: "carol", PasswordHash: "x", IsActive: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	for _, ch := range []string{"line", "web"} {
		if err := s.CreateLead(ctx, &CustomerLead{CustomerID: c.ID, Channel: ch}); err != nil {
			t.Fatalf("CreateLead: %v", err)
		}
	}
	if n, err := s.ReassignLeads(ctx, c.ID, &u.ID); err != nil || n != 2 {
		t.Fatalf("expected 2 leads reassigned, got %d (%v)", n, err)
	}
	leads, _ := s.ListLeadsByCustomer(ctx, c.ID)
	for _, l := range leads {
		if l.AssignedTo == nil || *l.AssignedTo != u.ID {
			t.Fatalf("lead %d not reassigned: %+v", l.ID, l.AssignedTo)
		}
	}

	submitted := time.Now().UTC().Add(time.Hour)
	cs := &CustomerCase{CustomerID: c.ID, CaseNumber: "C-1", LoanAmount: 500000, SubmittedAt: &submitted}
	if err := s.CreateCase(ctx, cs); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if !cs.LatestActivity().Equal(submitted) {
		t.Fatalf("expected latest activity %v, got %v", submitted, cs.LatestActivity())
	}
	cases, _ := s.ListCasesByCustomer(ctx, c.ID)
	if len(cases) != 1 || cases[0].Status != "pending" {
		t.Fatalf("unexpected cases %+v", cases)
	}
}

func TestFailedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &FailedJob{JobID: "j1", Queue: "firebase-sync", Operation: "delete", ConversationID: 3, Attempts: 3, Error: "missing line_user_id"}
	if err := s.RecordFailedJob(ctx, j); err != nil {
		t.Fatalf("RecordFailedJob: %v", err)
	}
	jobs, err := s.ListFailedJobs(ctx, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected 1 failed job, got %d (%v)", len(jobs), err)
	}
	if jobs[0].Operation != "delete" || jobs[0].Attempts != 3 {
		t.Fatalf("unexpected failed job %+v", jobs[0])
	}
}

func TestActorContext(t *testing.T) {
	ctx := context.Background()
	if ActorFrom(ctx) != nil {
		t.Fatalf("expected no actor on bare context")
	}
	ctx = WithActor(ctx, 42)
	if a := ActorFrom(ctx); a == nil || *a != 42 {
		t.Fatalf("expected actor 42, got %v", a)
	}
}
