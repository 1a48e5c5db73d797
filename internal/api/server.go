// Package api exposes the orchestration core's external interface
// (spec.md section 6) over a loopback-only, token-authenticated HTTP
// surface, generalized from the teacher's internal/api/server.go (chi
// routing, loopback + X-Tachyon-Token auth middleware, concurrency
// limiter) to front internal/queue and internal/scheduler directly
// instead of the teacher's monolithic TachyonEngine.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"project-tachyon/internal/config"
	"project-tachyon/internal/downloadcore"
	"project-tachyon/internal/logger"
	"project-tachyon/internal/queue"
	"project-tachyon/internal/scheduler"
	"project-tachyon/internal/security"
	"project-tachyon/internal/storage"
	"project-tachyon/internal/syncarchive"
	"project-tachyon/internal/validate"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ControlServer is the loopback HTTP front door for queue.Manager and
// scheduler.Scheduler: every operation it exposes maps 1:1 onto a method
// spec.md section 6 names.
type ControlServer struct {
	queue     *queue.Manager
	scheduler *scheduler.Scheduler
	cfg       *config.ConfigManager
	store     *storage.Storage
	audit     *security.AuditLogger
	bus       *logger.BusHandler
	router    *chi.Mux

	activeReqs int64
}

// NewControlServer wires a ControlServer around the shared queue and
// scheduler. cfg gates the listener behind the same enable flag, token,
// and max-concurrent-request knobs the teacher used for its AI surface.
// bus may be nil, in which case /v1/logs/tail reports that streaming is
// unavailable instead of blocking forever. store backs the sync archive
// export/import endpoints; it may be nil, in which case those endpoints
// report unavailable rather than panicking.
func NewControlServer(q *queue.Manager, sched *scheduler.Scheduler, cfg *config.ConfigManager, audit *security.AuditLogger, bus *logger.BusHandler, store *storage.Storage) *ControlServer {
	s := &ControlServer{
		queue:     q,
		scheduler: sched,
		cfg:       cfg,
		store:     store,
		audit:     audit,
		bus:       bus,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetAIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "Overloaded "+r.URL.Path, 429, "Max Concurrent Reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds the loopback listener in the background. It is a no-op if
// the AI/control interface is disabled via config.
func (s *ControlServer) Start(port int) {
	if !s.cfg.GetEnableAI() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Control Server listening on %s", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			log.Printf("Control Server failed to bind: %v", err)
			return
		}

		if err := http.Serve(conn, s.router); err != nil {
			log.Printf("Control Server failed: %v", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/queue", s.handleQueueDownload)
	s.router.Post("/v1/browser/trigger", s.handleBrowserTrigger)
	s.router.Get("/v1/tasks", s.handleListTasks)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/control", s.handleTaskControl)
	s.router.Post("/v1/queue/cancel-all", s.handleCancelAll)
	s.router.Post("/v1/queue/pause-all", s.handlePauseAll)
	s.router.Post("/v1/queue/resume-all", s.handleResumeAll)
	s.router.Post("/v1/queue/clear-completed", s.handleClearCompleted)
	s.router.Post("/v1/scheduler/concurrency", s.handleSetConcurrency)
	s.router.Get("/v1/status", s.handleGetStatus)
	s.router.Get("/v1/events", s.handleEvents)
	s.router.Get("/v1/logs/tail", s.handleLogTail)
	s.router.Get("/v1/sync/export", s.handleSyncExport)
	s.router.Post("/v1/sync/import", s.handleSyncImport)
}

// handleEvents streams queue change events as newline-delimited JSON for
// as long as the client holds the connection open — the HTTP face of
// queue.Manager.Subscribe, so an external consumer (a dashboard, the RSS
// ingester) can follow item lifecycles without polling /v1/tasks.
func (s *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	enc := json.NewEncoder(w)
	var mu sync.Mutex
	handle := s.queue.Subscribe(func(ev queue.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(eventPayload(ev)); err == nil {
			flusher.Flush()
		}
	})
	defer s.queue.Unsubscribe(handle)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	<-r.Context().Done()
}

func eventPayload(ev queue.Event) map[string]any {
	kind := "changed"
	switch ev.Kind {
	case queue.EventAdded:
		kind = "added"
	case queue.EventRemoved:
		kind = "removed"
	}
	return map[string]any{
		"kind":       kind,
		"item":       ev.Item,
		"old_status": ev.OldStatus,
		"new_status": ev.NewStatus,
	}
}

// handleLogTail streams newline-delimited JSON log records as they are
// emitted, the HTTP successor of the teacher's runtime.EventsEmit log
// sink: any number of clients (a CLI --follow, a future dashboard) can
// attach without the logger knowing about them individually.
func (s *ControlServer) handleLogTail(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "log streaming unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	var mu sync.Mutex
	s.bus.Subscribe(func(entry logger.LogEntry) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(entry); err == nil {
			flusher.Flush()
		}
	})

	<-r.Context().Done()
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableAI() {
			s.audit.Log(sourceIP, userAgent, action, 503, "Feature Disabled")
			http.Error(w, "AI Interface Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Tachyon-Token")
		expectedToken := s.cfg.GetAIToken()

		if token != expectedToken {
			s.audit.Log(sourceIP, userAgent, action, 401, "Invalid Token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "Authorized")
		next.ServeHTTP(w, r)
	})
}

// Request/Response Models

type EnqueueRequest struct {
	URL          string            `json:"url"`
	OutputDir    string            `json:"output_dir"`
	Filename     string            `json:"filename"`
	ScheduledAt  *time.Time        `json:"scheduled_at"`
	Proxy        string            `json:"proxy"`
	RateLimit    string            `json:"rate_limit"`
	ForceGeneric bool              `json:"force_generic"`
	Cookies      string            `json:"cookies"`
	Options      map[string]string `json:"options"`
}

type EnqueueResponse struct {
	TaskID string `json:"task_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause", "resume", "cancel", "retry"
}

type concurrencyRequest struct {
	Max int `json:"max"`
}

func (s *ControlServer) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/queue", 400, "Bad Request JSON")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := validate.ValidateURL(req.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Proxy != "" {
		if err := validate.ValidateProxy(req.Proxy); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.RateLimit != "" {
		if err := validate.ValidateRateLimit(req.RateLimit); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = s.cfg.GetDefaultOutputDir()
	}

	options := make(map[string]string, len(req.Options)+4)
	for k, v := range req.Options {
		options[k] = v
	}
	if req.Proxy != "" {
		options[downloadcore.OptProxy] = req.Proxy
	}
	if req.RateLimit != "" {
		options[downloadcore.OptRateLimit] = req.RateLimit
	}
	if req.ForceGeneric {
		options[downloadcore.OptForceGeneric] = "true"
	}
	if req.Cookies != "" {
		options[downloadcore.OptCookies] = req.Cookies
	}

	item, err := s.queue.Add(queue.Item{
		ID:          uuid.NewString(),
		URL:         req.URL,
		OutputDir:   outputDir,
		Filename:    req.Filename,
		Options:     options,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/queue", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(EnqueueResponse{TaskID: item.ID})
}

func (s *ControlServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.queue.List())
}

func (s *ControlServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.queue.Get(id)
	if err != nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

func (s *ControlServer) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		_, err = s.queue.UpdateStatus(id, queue.StatusPaused, nil)
	case "resume":
		_, err = s.queue.UpdateStatus(id, queue.StatusQueued, nil)
	case "cancel", "stop":
		err = s.scheduler.CancelItem(id)
	case "retry":
		_, err = s.queue.RetryItem(id)
	default:
		http.Error(w, "Invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	s.scheduler.CancelAll()
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	deadline := time.Now().Add(time.Duration(s.cfg.GetPauseTimeoutSecs()) * time.Second)
	s.scheduler.PauseAll(deadline)
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	s.scheduler.ResumeAll()
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	s.queue.ClearCompleted()
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.scheduler.SetMaxConcurrency(req.Max); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSyncExport streams the current config + history database as a
// zip archive (spec.md section 6's sync archive format), the bundle a
// cloud-sync collaborator would upload.
func (s *ControlServer) handleSyncExport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "sync archive unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="tachyon-sync.zip"`)
	if err := syncarchive.Export(w, s.cfg.Snapshot(), s.store.Path); err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "GET /v1/sync/export", 500, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleSyncImport accepts a sync archive uploaded by a cloud-sync
// collaborator, extracts it into a staging directory under the OS temp
// dir (every entry path-guarded against traversal by syncarchive.Import),
// and applies its config.json to the live ConfigManager. The extracted
// database file is left on disk rather than hot-swapped into the open
// sqlite connection; picking it up requires a restart, same as the
// teacher's own config reload model ("the core reads a snapshot").
func (s *ControlServer) handleSyncImport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "sync archive unavailable", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stagingDir, err := os.MkdirTemp("", "tachyon-sync-import-*")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	configPath, dbPath, err := syncarchive.Import(bytes.NewReader(body), int64(len(body)), stagingDir)
	if err != nil {
		s.audit.Log("127.0.0.1", r.UserAgent(), "POST /v1/sync/import", 400, err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var applied bool
	if configPath != "" {
		var snap config.Snapshot
		if err := config.ReadJSON(configPath, &snap); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.ApplySnapshot(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		applied = true
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"config_applied":  applied,
		"database_staged": dbPath != "",
		"staging_dir":     stagingDir,
	})
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":     "running",
		"active":     s.scheduler.ActiveCount(),
		"statistics": s.queue.Statistics(),
	})
}
