// Package api exposes the control plane over HTTP for operators and tooling
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/fitness"
	"github.com/cloud-shuttle/foreman/internal/scheduler"
	"github.com/cloud-shuttle/foreman/internal/worker"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Server is the control plane HTTP API
type Server struct {
	store    *db.Store
	tracker  *fitness.Tracker
	registry *worker.Registry
	watchdog *scheduler.Watchdog
	bus      *events.Bus
	logger   *log.Logger
	server   *http.Server
	started  time.Time
}

// New creates an API server. watchdog may be nil, which disables the
// manual sweep endpoint; a nil bus gets a private one.
func New(store *db.Store, tracker *fitness.Tracker, registry *worker.Registry, watchdog *scheduler.Watchdog, bus *events.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stdout, "[api] ", log.LstdFlags)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Server{
		store:    store,
		tracker:  tracker,
		registry: registry,
		watchdog: watchdog,
		bus:      bus,
		logger:   logger,
		started:  time.Now(),
	}
}

// Router builds the route table; exposed for tests
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/history", s.handleTaskHistory).Methods("GET")
	api.HandleFunc("/tasks/{id}/children", s.handleTaskChildren).Methods("GET")
	api.HandleFunc("/status", s.handleProjectStatus).Methods("GET")
	api.HandleFunc("/workers", s.handleWorkers).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")
	api.HandleFunc("/incidents", s.handleIncidents).Methods("GET")
	api.HandleFunc("/incidents/stats", s.handleIncidentStats).Methods("GET")
	api.HandleFunc("/watchdog/run", s.handleWatchdogRun).Methods("POST")
	api.HandleFunc("/reset-failed", s.handleResetFailed).Methods("POST")

	return s.loggingMiddleware(router)
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	s.logger.Printf("listening on %s", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

type createTaskRequest struct {
	ID            string            `json:"id"`
	Domain        string            `json:"domain"`
	Description   string            `json:"description"`
	PriorityScore float64           `json:"priority_score"`
	MaxAttempts   int               `json:"max_attempts"`
	Phases        []string          `json:"phases"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ID == "" || req.Description == "" {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("id and description are required"))
		return
	}

	task := &types.Task{
		ID:            req.ID,
		Domain:        req.Domain,
		Description:   req.Description,
		PriorityScore: req.PriorityScore,
		MaxAttempts:   req.MaxAttempts,
		Metadata:      req.Metadata,
	}
	for _, name := range req.Phases {
		task.Phases = append(task.Phases, types.Phase{Name: name, Status: types.PhasePending})
	}

	if err := s.store.CreateTask(task); err != nil {
		if errors.Is(err, db.ErrDuplicateID) {
			s.respondError(w, http.StatusConflict, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.bus.Publish(r.Context(), events.NewEvent(events.EventTaskCreated, task.ID, task.Domain, nil)); err != nil {
		s.logger.Printf("publishing task.created: %v", err)
	}
	s.respond(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		tasks, err := s.store.TasksByStatus(types.TaskStatus(status))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		s.respond(w, http.StatusOK, tasks)
		return
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.store.ListPending(limit, q.Get("domain"), false)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTask(id); errors.Is(err, db.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	history, err := s.store.History(id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, history)
}

func (s *Server) handleTaskChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.store.SubTasks(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, children)
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.ProjectStatus()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tracker.Leaderboard(r.URL.Query().Get("role"), s.registry.Names())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.store.OpenIncidents()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, incidents)
}

func (s *Server) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.IncidentStats()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	if s.watchdog == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("watchdog not running"))
		return
	}
	report, err := s.watchdog.RunOnce(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	extra := 3
	if raw := r.URL.Query().Get("extra_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid extra_attempts %q", raw))
			return
		}
		extra = n
	}
	count, err := s.store.ResetFailed("api", extra)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"requeued": count})
}

func (s *Server) respond(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("encoding response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, err error) {
	s.respond(w, code, map[string]interface{}{"error": err.Error()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
