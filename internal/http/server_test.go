package httpapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oktamirror/oktamirror/internal/metadata"
	syncer "github.com/oktamirror/oktamirror/internal/sync"
)

type stubController struct {
	startStatus string
	running     bool
	history     []metadata.SyncRecord
	gotLimit    int
}

func (s *stubController) StartSync(_ context.Context, tenant string) (string, string, error) {
	return "sync-1", s.startStatus, nil
}

func (s *stubController) CancelSync(tenant string) (string, bool) {
	if !s.running {
		return "", false
	}
	return "sync-1", true
}

func (s *stubController) GetStatus(_ context.Context, tenant string) (syncer.Status, error) {
	return syncer.Status{Tenant: tenant, Running: s.running}, nil
}

func (s *stubController) History(_ context.Context, tenant string, limit int) ([]metadata.SyncRecord, error) {
	s.gotLimit = limit
	return s.history, nil
}

type stubVersions struct {
	version int
	path    string
}

func (v stubVersions) CurrentVersion() int { return v.version }
func (v stubVersions) CurrentPath() string { return v.path }

func newTestServer(ctrl *stubController) *EchoServer {
	return NewEchoServer(&Handlers{
		Syncs: ctrl,
		Versions: map[string]GraphVersions{
			"acme": stubVersions{version: 3, path: "/data/acme/okta_v3"},
		},
	})
}

func do(t *testing.T, es *EchoServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	es.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{})
	rec := do(t, es, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartSync(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{startStatus: syncer.StartStatusStarted})
	rec := do(t, es, http.MethodPost, "/api/tenants/acme/sync")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	var body startResponse
	decode(t, rec, &body)
	if body.SyncID != "sync-1" || body.Status != syncer.StartStatusStarted {
		t.Fatalf("body = %+v", body)
	}
}

func TestStartSyncAlreadyRunningConflicts(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{startStatus: syncer.StartStatusAlreadyRunning})
	rec := do(t, es, http.MethodPost, "/api/tenants/acme/sync")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body startResponse
	decode(t, rec, &body)
	if body.SyncID != "sync-1" || body.Status != syncer.StartStatusAlreadyRunning {
		t.Fatalf("body = %+v", body)
	}
}

func TestUnknownTenantIs404Everywhere(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{})
	routes := []struct {
		method, target string
	}{
		{http.MethodPost, "/api/tenants/ghost/sync"},
		{http.MethodPost, "/api/tenants/ghost/sync/cancel"},
		{http.MethodGet, "/api/tenants/ghost/sync/status"},
		{http.MethodGet, "/api/tenants/ghost/sync/history"},
		{http.MethodGet, "/api/tenants/ghost/graph/version"},
	}
	for _, r := range routes {
		rec := do(t, es, r.method, r.target)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s = %d, want 404", r.method, r.target, rec.Code)
		}
	}
}

func TestCancelSync(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{running: true})
	rec := do(t, es, http.MethodPost, "/api/tenants/acme/sync/cancel")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var body startResponse
	decode(t, rec, &body)
	if body.Status != "canceling" || body.SyncID != "sync-1" {
		t.Fatalf("body = %+v", body)
	}
}

func TestCancelSyncNothingRunning(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{running: false})
	rec := do(t, es, http.MethodPost, "/api/tenants/acme/sync/cancel")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{running: true})
	rec := do(t, es, http.MethodGet, "/api/tenants/acme/sync/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body syncer.Status
	decode(t, rec, &body)
	if body.Tenant != "acme" || !body.Running {
		t.Fatalf("body = %+v", body)
	}
}

func TestSyncHistoryLimit(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{history: []metadata.SyncRecord{{ID: "sync-1", TenantID: "acme"}}}
	es := newTestServer(ctrl)

	rec := do(t, es, http.MethodGet, "/api/tenants/acme/sync/history")
	if rec.Code != http.StatusOK || ctrl.gotLimit != defaultHistoryLimit {
		t.Fatalf("status = %d, limit = %d", rec.Code, ctrl.gotLimit)
	}

	rec = do(t, es, http.MethodGet, "/api/tenants/acme/sync/history?limit=5")
	if rec.Code != http.StatusOK || ctrl.gotLimit != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, ctrl.gotLimit)
	}

	var body struct {
		Tenant  string                `json:"tenant"`
		History []metadata.SyncRecord `json:"history"`
	}
	decode(t, rec, &body)
	if body.Tenant != "acme" || len(body.History) != 1 || body.History[0].ID != "sync-1" {
		t.Fatalf("body = %+v", body)
	}

	rec = do(t, es, http.MethodGet, "/api/tenants/acme/sync/history?limit=abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a bad limit", rec.Code)
	}
}

func TestGraphVersion(t *testing.T) {
	t.Parallel()

	es := newTestServer(&stubController{})
	rec := do(t, es, http.MethodGet, "/api/tenants/acme/graph/version")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tenant  string `json:"tenant"`
		Version int    `json:"version"`
		Path    string `json:"path"`
	}
	decode(t, rec, &body)
	if body.Tenant != "acme" || body.Version != 3 || body.Path != "/data/acme/okta_v3" {
		t.Fatalf("body = %+v", body)
	}
}
