package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/triage"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	res := resolver.New(st, nil)
	pol := triage.ThresholdPolicy{Grace: time.Minute}
	srv := NewServer(Config{Addr: "127.0.0.1:0", Token: "test-token"}, st, nil, res, nil, nil, pol)
	return srv, st
}

func do(t *testing.T, srv *Server, method, path, token, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if user != "" {
		req.Header.Set("X-Steward-User", user)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth_OpenWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestAuth_MissingOrWrongTokenRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	if rec := do(t, srv, http.MethodGet, "/agents", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/agents", "wrong-token", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestUnread_ScopedToRequestingUser(t *testing.T) {
	srv, st := newTestServer(t)

	if _, err := st.Post("ada", "cos", "ada's briefing", "", store.PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := st.Post("bob", "cos", "bob's briefing", "", store.PriorityNormal); err != nil {
		t.Fatalf("Post: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/notifications/unread", "test-token", "ada")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var notes []*store.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &notes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(notes) != 1 || notes[0].Message != "ada's briefing" {
		t.Fatalf("unread = %+v", notes)
	}
}

func TestTriage_UrgentBacklogInterrupts(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := NewServer(Config{Addr: "127.0.0.1:0", Token: "test-token"},
		st, nil, resolver.New(st, nil), nil, nil, triage.ThresholdPolicy{})

	if _, err := st.Post("ada", "cos", "the oven is on", "", store.PriorityUrgent); err != nil {
		t.Fatalf("Post: %v", err)
	}

	rec := do(t, srv, http.MethodGet, "/notifications/triage", "test-token", "ada")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Interrupt bool `json:"interrupt"`
		Unread    int  `json:"unread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Interrupt || out.Unread != 1 {
		t.Fatalf("triage = %+v", out)
	}
}

func TestTriage_QuietInboxDoesNotInterrupt(t *testing.T) {
	srv, st := newTestServer(t)
	if _, err := st.Post("ada", "cos", "weekly digest", "", store.PriorityLow); err != nil {
		t.Fatalf("Post: %v", err)
	}
	rec := do(t, srv, http.MethodGet, "/notifications/triage", "test-token", "ada")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Interrupt bool `json:"interrupt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Interrupt {
		t.Fatal("low-priority backlog should not interrupt")
	}
}

func TestGetAgent_UnknownNameIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/agents/no-such-agent", "test-token", "ada")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
