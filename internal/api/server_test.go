package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"project-tachyon/internal/config"
	"project-tachyon/internal/downloadcore"
	"project-tachyon/internal/enginereg"
	"project-tachyon/internal/extract"
	"project-tachyon/internal/queue"
	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/security"
	"project-tachyon/internal/storage"
)

const testToken = "test-token"

// newTestServer wires a ControlServer the same way cmd/tachyon's
// buildCoreStack does, but against an in-memory store and with the AI
// interface pre-enabled so the security middleware lets requests through.
func newTestServer(t *testing.T) (*ControlServer, *config.ConfigManager, *queue.Manager) {
	t.Helper()
	st, err := storage.OpenStorage(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.NewConfigManager(st)
	if err := cfg.SetEnableAI(true); err != nil {
		t.Fatalf("enable AI: %v", err)
	}
	if err := st.SetString(config.KeyAIToken, testToken); err != nil {
		t.Fatalf("set token: %v", err)
	}

	q := queue.New(100)
	extractors := extract.NewRegistry(extract.NewGenericHandler(nil))
	engines := enginereg.NewRegistry(enginereg.NewGenericEngine(nil))
	core := downloadcore.New(q, extractors, engines, st, nil)
	sched := scheduler.New(q, core, nil, 2)
	audit := security.NewAuditLogger(nil)

	return NewControlServer(q, sched, cfg, audit, nil, st), cfg, q
}

func doRequest(t *testing.T, srv *ControlServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Tachyon-Token", testToken)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleQueueDownloadRejectsInvalidURL(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/queue", EnqueueRequest{URL: "not-a-url"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid URL, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleQueueDownloadEnqueuesItem(t *testing.T) {
	srv, _, q := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/queue", EnqueueRequest{
		URL:       "https://example.com/file.bin",
		OutputDir: t.TempDir(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatal("expected a non-empty task id")
	}
	if _, err := q.Get(resp.TaskID); err != nil {
		t.Fatalf("enqueued item not found in queue: %v", err)
	}
}

func TestSecurityMiddlewareRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Tachyon-Token", "wrong-token")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestSecurityMiddlewareRejectsNonLoopback(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Tachyon-Token", testToken)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-loopback remote address, got %d", rec.Code)
	}
}

func TestSecurityMiddlewareRejectsWhenAIDisabled(t *testing.T) {
	srv, cfg, _ := newTestServer(t)
	if err := cfg.SetEnableAI(false); err != nil {
		t.Fatalf("disable AI: %v", err)
	}
	rec := doRequest(t, srv, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the control interface is disabled, got %d", rec.Code)
	}
}

func TestHandleTaskControlUnknownAction(t *testing.T) {
	srv, _, q := newTestServer(t)
	item, err := q.Add(queue.Item{ID: "task-1", URL: "https://example.com/a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+item.ID+"/control", ControlRequest{Action: "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown control action, got %d", rec.Code)
	}
}

func TestHandleTaskControlPauseAndResume(t *testing.T) {
	srv, _, q := newTestServer(t)
	item, err := q.Add(queue.Item{ID: "task-2", URL: "https://example.com/a", OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/tasks/"+item.ID+"/control", ControlRequest{Action: "pause"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	paused, err := q.Get(item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if paused.Status != queue.StatusPaused {
		t.Fatalf("expected status %q after pause, got %q", queue.StatusPaused, paused.Status)
	}

	rec = doRequest(t, srv, http.MethodPost, "/v1/tasks/"+item.ID+"/control", ControlRequest{Action: "resume"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resumed, err := q.Get(item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if resumed.Status != queue.StatusQueued {
		t.Fatalf("expected status %q after resume, got %q", queue.StatusQueued, resumed.Status)
	}
}

func TestHandleGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/tasks/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown task id, got %d", rec.Code)
	}
}

func TestHandleGetStatusReportsActiveAndStatistics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if body["status"] != "running" {
		t.Fatalf("expected status \"running\", got %v", body["status"])
	}
	if _, ok := body["statistics"]; !ok {
		t.Fatal("expected a statistics field in the status response")
	}
}

func TestHandleSetConcurrencyRejectsInvalidMax(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/scheduler/concurrency", concurrencyRequest{Max: 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-positive concurrency value, got %d", rec.Code)
	}
}

func TestHandleEventsStreamsQueueChanges(t *testing.T) {
	srv, _, q := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Tachyon-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect event stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := q.Add(queue.Item{ID: "ev-1", URL: "https://example.com/a", OutputDir: t.TempDir()}); err != nil {
		t.Fatalf("add item: %v", err)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event line: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev["kind"] != "added" {
		t.Errorf("expected an added event, got %v", ev["kind"])
	}
}

func TestHandleLogTailUnavailableWithoutBus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/logs/tail", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no log bus is wired, got %d", rec.Code)
	}
}

func TestHandleSyncExportThenImportRoundTrip(t *testing.T) {
	srv, cfg, _ := newTestServer(t)
	if err := cfg.SetMaxConcurrentDownloads(9); err != nil {
		t.Fatalf("SetMaxConcurrentDownloads: %v", err)
	}

	exportRec := doRequest(t, srv, http.MethodGet, "/v1/sync/export", nil)
	if exportRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from export, got %d: %s", exportRec.Code, exportRec.Body.String())
	}
	if ct := exportRec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("expected zip content type, got %q", ct)
	}

	importSrv, importCfg, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/sync/import", bytes.NewReader(exportRec.Body.Bytes()))
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Tachyon-Token", testToken)
	rec := httptest.NewRecorder()
	importSrv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from import, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode import response: %v", err)
	}
	if resp["config_applied"] != true {
		t.Fatalf("expected config_applied=true, got %v", resp)
	}
	if got := importCfg.GetMaxConcurrentDownloads(); got != 9 {
		t.Errorf("expected imported max concurrency 9, got %d", got)
	}
}
