package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glasspane/viewhost/internal/events"
	"github.com/glasspane/viewhost/internal/supervisor"
)

// mockViewService is a test implementation of ViewService.
type mockViewService struct {
	snap       supervisor.Snapshot
	respawnErr error
}

func (m *mockViewService) Stats() supervisor.Snapshot {
	return m.snap
}

func (m *mockViewService) Respawn(_ context.Context) (supervisor.Snapshot, error) {
	if m.respawnErr != nil {
		return supervisor.Snapshot{}, m.respawnErr
	}
	m.snap.Generation++
	return m.snap, nil
}

func newTestServer(view ViewService, user, pass string) *Server {
	return NewServer(&Options{
		AuthUsername: user,
		AuthPassword: pass,
		View:         view,
		EventBus:     events.New(),
	})
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&mockViewService{}, "", "")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/health = %d, want 200", rec.Code)
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestStatusEndpoint(t *testing.T) {
	view := &mockViewService{
		snap: supervisor.Snapshot{
			State:        supervisor.StateConnected,
			Generation:   3,
			Pid:          4242,
			FastRespawns: 1,
			LastRespawn:  time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC),
		},
	}
	srv := newTestServer(view, "", "")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		State        string `json:"state"`
		Generation   uint64 `json:"generation"`
		Pid          int    `json:"pid"`
		FastRespawns int    `json:"fast_respawns"`
		LastRespawn  string `json:"last_respawn"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.State != "connected" || resp.Generation != 3 || resp.Pid != 4242 {
		t.Errorf("unexpected status payload: %+v", resp)
	}
	if resp.LastRespawn != "2025-01-27T10:30:00Z" {
		t.Errorf("last_respawn = %q", resp.LastRespawn)
	}
}

func TestRespawnEndpoint(t *testing.T) {
	view := &mockViewService{
		snap: supervisor.Snapshot{State: supervisor.StateConnected, Generation: 1, Pid: 100},
	}
	srv := newTestServer(view, "", "")

	req := httptest.NewRequest(http.MethodPost, "/api/respawn", nil)
	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/respawn = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Generation uint64 `json:"generation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Generation != 2 {
		t.Errorf("generation = %d, want 2", resp.Generation)
	}
}

func TestBasicAuthRequired(t *testing.T) {
	srv := newTestServer(&mockViewService{}, "admin", "secret")

	// Status requires auth
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/status without credentials = %d, want 401", rec.Code)
	}

	// Wrong credentials rejected
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", basicAuth("admin", "wrong"))
	rec = httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/status with bad credentials = %d, want 401", rec.Code)
	}

	// Correct credentials accepted
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", basicAuth("admin", "secret"))
	rec = httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status with credentials = %d, want 200", rec.Code)
	}

	// Health stays open
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/health without credentials = %d, want 200", rec.Code)
	}
}
