package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/forager-labs/forager/config"
	"github.com/forager-labs/forager/internal/agent"
	"github.com/forager-labs/forager/internal/hitl"
	"github.com/forager-labs/forager/internal/memory"
	"github.com/forager-labs/forager/internal/store"
)

type stubUsers struct {
	byEmail map[string]store.User
}

func (s *stubUsers) Create(ctx context.Context, email, passwordHash string) (store.User, error) {
	if _, ok := s.byEmail[email]; ok {
		return store.User{}, store.ErrUserExists
	}
	u := store.User{ID: "u-" + email, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	s.byEmail[email] = u
	return u, nil
}

func (s *stubUsers) ByEmail(ctx context.Context, email string) (store.User, error) {
	u, ok := s.byEmail[email]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

type stubRunner struct {
	states *agent.InMemoryStateStore
	driven chan string
}

func (r *stubRunner) Prepare(ctx context.Context, goal string, budget float64) (*agent.State, error) {
	st := agent.NewState(goal, budget)
	return st, r.states.Save(ctx, st)
}

func (r *stubRunner) Drive(ctx context.Context, st *agent.State) error {
	st.Status = agent.StatusCompleted
	if err := r.states.Save(ctx, st); err != nil {
		return err
	}
	r.driven <- st.RunID
	return nil
}

func (r *stubRunner) Resume(ctx context.Context, runID string) (*agent.State, error) {
	st, err := r.states.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.driven <- runID
	return st, nil
}

type stubMemory struct {
	hits      []memory.RetrievedChunk
	conflicts []memory.ConflictRecord
	decided   []string
	purged    bool
}

func (m *stubMemory) HybridSearch(ctx context.Context, query string, k int) ([]memory.RetrievedChunk, error) {
	return m.hits, nil
}

func (m *stubMemory) Conflicts(ctx context.Context, unresolvedOnly bool) ([]memory.ConflictRecord, error) {
	return m.conflicts, nil
}

func (m *stubMemory) DecideConflict(ctx context.Context, conflictID, keepChunkID string) error {
	m.decided = append(m.decided, conflictID+":"+keepChunkID)
	return nil
}

func (m *stubMemory) Purge(ctx context.Context) error {
	m.purged = true
	return nil
}

type fixture struct {
	server   *Server
	runner   *stubRunner
	mem      *stubMemory
	approver *hitl.PendingApprover
	token    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := &stubUsers{byEmail: make(map[string]store.User)}
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	users.byEmail["op@example.com"] = store.User{ID: "u1", Email: "op@example.com", PasswordHash: string(hash)}

	runner := &stubRunner{states: agent.NewInMemoryStateStore(), driven: make(chan string, 8)}
	mem := &stubMemory{}
	approver := hitl.NewPendingApprover(time.Second, log.New(io.Discard, "", 0))
	srv := New(config.ServerConfig{Address: ":0", JWTSecret: "test-secret"},
		users, runner.states, runner, mem, approver, log.New(io.Discard, "", 0))

	f := &fixture{server: srv, runner: runner, mem: mem, approver: approver}
	f.token = f.login(t)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"op@example.com","password":"correct horse"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return out["token"]
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"op@example.com","password":"wrong"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestSignupIssuesToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/auth/signup", `{"email":"new@example.com","password":"long enough"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "token") {
		t.Fatalf("no token in %s", rec.Body)
	}
	rec = f.do(t, http.MethodPost, "/api/auth/signup", `{"email":"new@example.com","password":"long enough"}`, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup code = %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/runs", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestCreateRunReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/runs", `{"goal":"track alpha releases","budget":10}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	runID := out["run_id"]
	if runID == "" {
		t.Fatal("missing run_id")
	}
	select {
	case driven := <-f.runner.driven:
		if driven != runID {
			t.Fatalf("drove %s, created %s", driven, runID)
		}
	case <-time.After(time.Second):
		t.Fatal("run never driven")
	}

	rec = f.do(t, http.MethodGet, "/api/runs/"+runID, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "track alpha releases") {
		t.Fatalf("run body = %s", rec.Body)
	}
}

func TestMissingGoalRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/runs", `{"budget":10}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestApprovalRoundtrip(t *testing.T) {
	f := newFixture(t)
	req := hitl.NewRequest("run1", hitl.KindTaskApproval, "browse the pricing page", 4.2, nil)

	type result struct {
		d   hitl.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := f.approver.RequestApproval(context.Background(), req)
		ch <- result{d, err}
	}()

	deadline := time.After(time.Second)
	for len(f.approver.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never pending")
		case <-time.After(time.Millisecond):
		}
	}

	rec := f.do(t, http.MethodGet, "/api/approvals", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), req.ID) {
		t.Fatalf("list approvals: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/api/approvals/"+req.ID, `{"verdict":"approved"}`, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("decide: %d %s", rec.Code, rec.Body)
	}
	res := <-ch
	if res.err != nil || res.d.Verdict != hitl.VerdictApproved {
		t.Fatalf("decision = %+v err = %v", res.d, res.err)
	}
	if res.d.DecidedBy != "op@example.com" {
		t.Fatalf("decided_by = %q", res.d.DecidedBy)
	}
}

func TestDecideApprovalValidatesVerdict(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/approvals/x", `{"verdict":"maybe"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestMemorySearchAndPurge(t *testing.T) {
	f := newFixture(t)
	f.mem.hits = []memory.RetrievedChunk{{
		Chunk:      memory.Chunk{ID: "c1", Content: "v2 shipped in march"},
		Similarity: 0.9,
		Score:      0.54,
	}}

	rec := f.do(t, http.MethodGet, "/api/memory/search?q=v2+release", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "c1") {
		t.Fatalf("search: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/memory/search", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty query code = %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/api/memory", "", true)
	if rec.Code != http.StatusBadRequest || f.mem.purged {
		t.Fatalf("purge without confirm: %d purged=%v", rec.Code, f.mem.purged)
	}
	rec = f.do(t, http.MethodDelete, "/api/memory?confirm=true", "", true)
	if rec.Code != http.StatusNoContent || !f.mem.purged {
		t.Fatalf("purge: %d purged=%v", rec.Code, f.mem.purged)
	}
}

func TestDecideConflict(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/memory/conflicts/conf1", `{"keep_chunk_id":"c2"}`, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d %s", rec.Code, rec.Body)
	}
	if len(f.mem.decided) != 1 || f.mem.decided[0] != "conf1:c2" {
		t.Fatalf("decided = %+v", f.mem.decided)
	}
}
