package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/config"
	"github.com/loanconsult/crm/internal/core"
	"github.com/loanconsult/crm/internal/jobs"
	"github.com/loanconsult/crm/internal/line"
	"github.com/loanconsult/crm/internal/observers"
	"github.com/loanconsult/crm/internal/store"
	"github.com/loanconsult/crm/internal/versioning"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*jobs.SyncJob
}

func (q *fakeJobs) Enqueue(_ context.Context, op jobs.Operation, conversationID int64, data map[string]any) (*jobs.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := jobs.NewSyncJob(op, conversationID, data)
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *fakeJobs) count(op jobs.Operation) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Operation == op {
			n++
		}
	}
	return n
}

type testEnv struct {
	srv       *httptest.Server
	store     *store.Store
	hub       *Hub
	jobs      *fakeJobs
	messenger *line.FakeMessenger
	tokens    map[string]string
	ids       map[string]int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig.JWTSecret = "api-test-secret"
	config.AppConfig.JWTTTL = time.Hour
	t.Cleanup(func() { config.AppConfig = prev })

	s, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	env := &testEnv{
		store:     s,
		jobs:      &fakeJobs{},
		messenger: line.NewFakeMessenger(),
		tokens:    map[string]string{},
		ids:       map[string]int64{},
	}
	env.hub = NewHub(func(p *auth.Principal, lineUserID string) bool {
		if p.SeesAll() {
			return true
		}
		c, err := s.GetCustomerByLineUserID(context.Background(), lineUserID)
		return err == nil && c.AssignedTo != nil && *c.AssignedTo == p.UserID
	})
	t.Cleanup(env.hub.Close)

	s.Use(versioning.NewObserver(versioning.NewTracker(s), s))
	s.Use(observers.NewCustomerCaseObserver(s))
	s.Use(observers.NewCustomerObserver(s))
	s.Use(observers.NewChatSyncObserver(env.jobs, env.hub))

	schemas, err := LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	users := core.NewUserService(s)
	handler := NewAPIHandler(users, core.NewCustomerService(s), core.NewChatService(s, env.messenger, env.jobs, nil), env.hub, schemas)
	env.srv = httptest.NewServer(NewRouter(handler))
	t.Cleanup(env.srv.Close)

	for _, u := range []struct{ name, role string }{
		{"root", store.RoleAdmin}, {"mgr", store.RoleManager}, {"amy", store.RoleStaff}, {"ben", store.RoleStaff},
	} {
		created, err := users.Create(context.Background(), core.CreateUserInput{Username: u.name, Password: "password", Role: u.role})
		if err != nil {
			t.Fatalf("create user %s: %v", u.name, err)
		}
		token, err := auth.GenerateJWT(created)
		if err != nil {
			t.Fatalf("GenerateJWT: %v", err)
		}
		env.tokens[u.name] = token
		env.ids[u.name] = created.ID
	}
	return env
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r response) errorCode(t *testing.T) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	r.decode(t, &body)
	return body.Error.Code
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any, headers ...string) response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, header: resp.Header, body: raw}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	if r := env.do(t, "GET", "/api/health", "", nil); r.status != http.StatusOK {
		t.Fatalf("health returned %d", r.status)
	}
	r := env.do(t, "GET", "/metrics", "", nil)
	if r.status != http.StatusOK || !strings.Contains(string(r.body), "crm_http_requests_total") {
		t.Fatalf("metrics missing request counter: %d", r.status)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	r := env.do(t, "GET", "/api/customers", "", nil)
	if r.status != http.StatusUnauthorized || r.errorCode(t) != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %s", r.status, r.body)
	}
	r = env.do(t, "GET", "/api/customers", "", nil, "Authorization", "Bearer not-a-token")
	if r.status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", r.status)
	}

	r = env.do(t, "POST", "/api/login", "", map[string]string{"username": "amy", "password": "wrong"})
	if r.status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", r.status)
	}
	r = env.do(t, "POST", "/api/login", "", map[string]string{"username": "amy", "password": "password"})
	if r.status != http.StatusOK {
		t.Fatalf("login returned %d %s", r.status, r.body)
	}
	var login struct {
		Token string     `json:"token"`
		User  store.User `json:"user"`
	}
	r.decode(t, &login)
	if login.Token == "" || login.User.Username != "amy" {
		t.Fatalf("unexpected login response %s", r.body)
	}
	if strings.Contains(string(r.body), "password_hash") {
		t.Fatalf("login response leaks the password hash")
	}

	r = env.do(t, "GET", "/api/me", "", nil, "Authorization", "Bearer "+login.Token)
	var me store.User
	r.decode(t, &me)
	if r.status != http.StatusOK || me.ID != env.ids["amy"] {
		t.Fatalf("unexpected /me %d %s", r.status, r.body)
	}
}

func TestUsersAreAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	r := env.do(t, "GET", "/api/users", "mgr", nil)
	if r.status != http.StatusForbidden || r.errorCode(t) != "PERMISSION_DENIED" {
		t.Fatalf("expected 403 for managers, got %d %s", r.status, r.body)
	}
	r = env.do(t, "POST", "/api/users", "root", map[string]string{"username": "x", "password": "password"})
	if r.status != http.StatusBadRequest || r.errorCode(t) != "VALIDATION_ERROR" {
		t.Fatalf("expected schema rejection, got %d %s", r.status, r.body)
	}
	r = env.do(t, "POST", "/api/users", "root", map[string]string{"username": "carol", "password": "password", "role": "staff"})
	if r.status != http.StatusCreated {
		t.Fatalf("create user returned %d %s", r.status, r.body)
	}
	var created store.User
	r.decode(t, &created)

	r = env.do(t, "PUT", "/api/users/"+itoa(created.ID), "root", map[string]any{"role": "manager"})
	if r.status != http.StatusOK {
		t.Fatalf("update user returned %d %s", r.status, r.body)
	}
	r = env.do(t, "DELETE", "/api/users/"+itoa(created.ID), "root", nil)
	if r.status != http.StatusNoContent {
		t.Fatalf("delete user returned %d %s", r.status, r.body)
	}
	r = env.do(t, "DELETE", "/api/users/abc", "root", nil)
	if r.status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad id, got %d", r.status)
	}
}

func TestCustomerLifecycle(t *testing.T) {
	env := newTestEnv(t)

	r := env.do(t, "POST", "/api/customers", "amy", map[string]any{"phone": "0912"})
	if r.status != http.StatusBadRequest || r.errorCode(t) != "VALIDATION_ERROR" {
		t.Fatalf("expected a missing name to fail validation, got %d %s", r.status, r.body)
	}
	r = env.do(t, "POST", "/api/customers", "amy", map[string]any{"name": "Wang", "unknown": true})
	if r.status != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", r.status)
	}
	r = env.do(t, "POST", "/api/customers", "amy", map[string]any{"name": "Wang", "phone": "0912"})
	if r.status != http.StatusCreated {
		t.Fatalf("create customer returned %d %s", r.status, r.body)
	}
	var c store.Customer
	r.decode(t, &c)
	if c.AssignedTo == nil || *c.AssignedTo != env.ids["amy"] || c.Version != 1 {
		t.Fatalf("unexpected customer %+v", c)
	}
	path := "/api/customers/" + itoa(c.ID)

	if r := env.do(t, "GET", path, "ben", nil); r.status != http.StatusForbidden {
		t.Fatalf("other staff must get 403, got %d", r.status)
	}
	if r := env.do(t, "GET", "/api/customers/999", "root", nil); r.status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.status)
	}

	r = env.do(t, "POST", path+"/cases", "amy", map[string]any{"loan_amount": 300000, "status": "submitted"})
	if r.status != http.StatusCreated {
		t.Fatalf("create case returned %d %s", r.status, r.body)
	}
	var loan store.CustomerCase
	r.decode(t, &loan)
	r = env.do(t, "POST", path+"/cases", "amy", map[string]any{"status": "lost"})
	if r.status != http.StatusBadRequest {
		t.Fatalf("expected an unknown case status to be rejected, got %d", r.status)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	r = env.do(t, "PUT", "/api/cases/"+itoa(loan.ID), "amy", map[string]any{"status": "approved", "approved_at": future})
	if r.status != http.StatusOK {
		t.Fatalf("update case returned %d %s", r.status, r.body)
	}
	r = env.do(t, "GET", path, "amy", nil)
	var refreshed store.Customer
	r.decode(t, &refreshed)
	if refreshed.LatestCaseAt == nil || refreshed.Version <= c.Version {
		t.Fatalf("case activity should roll up to the customer, got %+v", refreshed)
	}

	if r := env.do(t, "POST", path+"/leads", "amy", map[string]any{"channel": "line"}); r.status != http.StatusCreated {
		t.Fatalf("create lead returned %d %s", r.status, r.body)
	}
	r = env.do(t, "PUT", path+"/assign", "amy", map[string]any{"user_id": env.ids["ben"]})
	if r.status != http.StatusForbidden {
		t.Fatalf("staff must not assign, got %d", r.status)
	}
	r = env.do(t, "PUT", path+"/assign", "mgr", map[string]any{"user_id": env.ids["ben"]})
	if r.status != http.StatusOK {
		t.Fatalf("assign returned %d %s", r.status, r.body)
	}
	r = env.do(t, "GET", path+"/leads", "ben", nil)
	var leads []store.CustomerLead
	r.decode(t, &leads)
	if len(leads) != 1 || leads[0].AssignedTo == nil || *leads[0].AssignedTo != env.ids["ben"] {
		t.Fatalf("leads should follow the new assignee, got %s", r.body)
	}

	if r := env.do(t, "GET", "/api/customers/export", "amy", nil); r.status != http.StatusForbidden {
		t.Fatalf("staff must not export, got %d", r.status)
	}
	r = env.do(t, "GET", "/api/customers/export", "mgr", nil)
	if r.status != http.StatusOK || !strings.HasPrefix(r.header.Get("Content-Type"), "text/csv") {
		t.Fatalf("export returned %d %s", r.status, r.header.Get("Content-Type"))
	}
	if !strings.Contains(string(r.body), "Wang") {
		t.Fatalf("export is missing the customer: %s", r.body)
	}

	if r := env.do(t, "DELETE", path, "mgr", nil); r.status != http.StatusNoContent {
		t.Fatalf("delete returned %d", r.status)
	}
}

const webhookBody = `[{"MessageID":"m1","LineUserID":"U77","Text":"想申請貸款","Type":"text"}]`

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t)
	env.messenger.Names["U77"] = "Chou"

	r := env.do(t, "POST", "/api/line/webhook", "", webhookBody)
	if r.status != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook must be rejected, got %d", r.status)
	}
	r = env.do(t, "POST", "/api/line/webhook", "", webhookBody, "X-Line-Signature", "sig")
	if r.status != http.StatusOK {
		t.Fatalf("webhook returned %d %s", r.status, r.body)
	}
	if env.jobs.count(jobs.OpSync) != 1 {
		t.Fatalf("a stored message should schedule one sync job")
	}

	r = env.do(t, "GET", "/api/chats/conversations?compact=1", "root", nil)
	var compact []map[string]any
	r.decode(t, &compact)
	if r.status != http.StatusOK || len(compact) != 1 || compact[0]["u"] != "U77" || compact[0]["n"] != "Chou" {
		t.Fatalf("unexpected compact conversations %s", r.body)
	}
	r = env.do(t, "GET", "/api/chats/conversations", "amy", nil)
	var mine []store.Conversation
	r.decode(t, &mine)
	if len(mine) != 0 {
		t.Fatalf("unassigned conversations must be hidden from staff, got %s", r.body)
	}

	r = env.do(t, "GET", "/api/chats/incremental?since=0", "root", nil)
	var cs struct {
		Version int64 `json:"version"`
		Changes struct {
			Added []map[string]any `json:"added"`
		} `json:"changes"`
		Metadata struct {
			Checksum string `json:"checksum"`
		} `json:"metadata"`
	}
	r.decode(t, &cs)
	if len(cs.Changes.Added) != 1 || cs.Version == 0 || cs.Metadata.Checksum == "" {
		t.Fatalf("unexpected change set %s", r.body)
	}
	if r := env.do(t, "GET", "/api/chats/incremental?since=x", "root", nil); r.status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad since, got %d", r.status)
	}

	r = env.do(t, "POST", "/api/chats/U77/read", "root", nil)
	if r.status != http.StatusOK || env.jobs.count(jobs.OpMarkRead) != 1 {
		t.Fatalf("mark read returned %d %s", r.status, r.body)
	}
	if env.jobs.count(jobs.OpSync) != 2 {
		t.Fatalf("the read status change should schedule a sync job")
	}

	r = env.do(t, "POST", "/api/chats/U77/reply", "root", map[string]string{"message": "您好"})
	if r.status != http.StatusCreated {
		t.Fatalf("reply returned %d %s", r.status, r.body)
	}
	if pushed := env.messenger.Pushed(); len(pushed) != 1 || pushed[0].Text != "您好" {
		t.Fatalf("reply was not pushed: %+v", pushed)
	}

	r = env.do(t, "GET", "/api/chats/U77/messages", "root", nil)
	var msgs []store.ChatMessage
	r.decode(t, &msgs)
	if len(msgs) != 2 || msgs[1].IsFromCustomer {
		t.Fatalf("unexpected messages %s", r.body)
	}

	if r := env.do(t, "POST", "/api/chats/U77/draft", "root", nil); r.status != http.StatusBadRequest {
		t.Fatalf("drafting without a model must fail, got %d", r.status)
	}
	if r := env.do(t, "POST", "/api/chats/sync", "mgr", nil); r.status != http.StatusForbidden {
		t.Fatalf("batch sync is admin only, got %d", r.status)
	}
	if r := env.do(t, "POST", "/api/chats/sync", "root", nil); r.status != http.StatusAccepted || env.jobs.count(jobs.OpBatchSync) != 1 {
		t.Fatalf("batch sync returned %d", r.status)
	}

	r = env.do(t, "DELETE", "/api/chats/U77", "mgr", nil)
	if r.status != http.StatusOK || env.jobs.count(jobs.OpDelete) != 1 {
		t.Fatalf("delete conversation returned %d %s", r.status, r.body)
	}
	if r := env.do(t, "GET", "/api/jobs/failed", "root", nil); r.status != http.StatusOK {
		t.Fatalf("failed jobs returned %d", r.status)
	}
}

func TestWebsocketReceivesChatEvents(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/chats/ws?token=" + env.tokens["root"]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if r := env.do(t, "POST", "/api/line/webhook", "", webhookBody, "X-Line-Signature", "sig"); r.status != http.StatusOK {
		t.Fatalf("webhook returned %d", r.status)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Event      string         `json:"event"`
		LineUserID string         `json:"line_user_id"`
		Data       map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Event != "message.created" || ev.LineUserID != "U77" || ev.Data["c"] != "想申請貸款" {
		t.Fatalf("unexpected event %+v", ev)
	}

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/api/chats/ws", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected an unauthenticated dial to fail the handshake, got %v", err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
