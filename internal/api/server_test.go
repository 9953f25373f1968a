package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/cdr"
	"github.com/voxgate/voxgate/internal/session"
)

type stubStore struct {
	records []cdr.Record
	filter  cdr.ListFilter
}

func (s *stubStore) Record(context.Context, *cdr.Record) error { return nil }

func (s *stubStore) List(_ context.Context, filter cdr.ListFilter) ([]cdr.Record, int, error) {
	s.filter = filter
	return s.records, len(s.records), nil
}

func (s *stubStore) Count(context.Context) (int64, error) { return int64(len(s.records)), nil }
func (s *stubStore) Close() error                         { return nil }

func newTestRegistry() *session.Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return session.NewRegistry(cdr.NewLogRecorder(logger), time.Second, logger)
}

func doRequest(t *testing.T, srv *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body.Data
}

func TestHealth(t *testing.T) {
	reg := newTestRegistry()
	reg.Create("s1", "a", "b", session.Hooks{})
	srv := NewServer(reg, nil, nil, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["status"] != "ok" {
		t.Errorf("status field = %v", data["status"])
	}
	if data["sessions"] != float64(1) {
		t.Errorf("sessions = %v, want 1", data["sessions"])
	}
}

func TestListSessions(t *testing.T) {
	reg := newTestRegistry()
	reg.Create("s1", "caller-1", "did-1", session.Hooks{})
	reg.Create("s2", "caller-2", "did-2", session.Hooks{})
	srv := NewServer(reg, nil, nil, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		Data []session.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Data) != 2 {
		t.Errorf("got %d sessions, want 2", len(body.Data))
	}
}

func TestGetSession(t *testing.T) {
	reg := newTestRegistry()
	reg.Create("s1", "caller", "did", session.Hooks{})
	srv := NewServer(reg, nil, nil, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["state"] != "offered" {
		t.Errorf("state = %v, want offered", data["state"])
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestListCDRs(t *testing.T) {
	store := &stubStore{records: []cdr.Record{
		{SessionID: "s1", Disposition: cdr.DispositionAnswered},
	}}
	srv := NewServer(newTestRegistry(), store, nil, nil)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/cdrs?disposition=answered&limit=10&offset=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if store.filter.Disposition != "answered" || store.filter.Limit != 10 || store.filter.Offset != 5 {
		t.Errorf("filter not applied: %+v", store.filter)
	}
	data := decodeData(t, w)
	if data["total"] != float64(1) {
		t.Errorf("total = %v, want 1", data["total"])
	}
}

func TestListCDRsWithoutStore(t *testing.T) {
	srv := NewServer(newTestRegistry(), nil, nil, nil)
	w := doRequest(t, srv, http.MethodGet, "/api/v1/cdrs", "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := []byte("test-secret")
	srv := NewServer(newTestRegistry(), nil, secret, nil)

	// Health stays open.
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}

	// Protected routes reject missing and malformed credentials.
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", w.Code)
	}

	// A token signed with the wrong secret is rejected.
	wrong, _, err := GenerateToken([]byte("other-secret"), "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", wrong); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", w.Code)
	}

	// A valid token passes.
	token, expires, err := GenerateToken(secret, "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("token already expired")
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", token); w.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", w.Code)
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	srv := NewServer(newTestRegistry(), nil, nil, nil)
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", ""); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", w.Code)
	}
}
