// Package httpapi exposes the service facade over HTTP: JSON endpoints for
// planning, execution and schedule management, plus a Server-Sent-Events
// stream of execution events. The handlers are thin; every decision about
// what a request means lives in the service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	loom "github.com/nevindra/loom"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Service is the surface the handlers call. *loom.Service satisfies it;
// tests substitute a stub.
type Service interface {
	CreateDAG(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateDAGResponse, error)
	ExecuteDAG(ctx context.Context, dagID string) (loom.ExecuteDAGResponse, error)
	ResumeDAG(ctx context.Context, executionID string) (loom.ResumeDAGResponse, error)
	CreateAndExecuteDAG(ctx context.Context, req loom.CreateDAGRequest) (loom.CreateAndExecuteDAGResponse, error)
	UpdateSchedule(ctx context.Context, dagID, cronSchedule, timezone string, active bool) error
	ExecutionStatus(ctx context.Context, executionID string) (loom.ExecutionStatusResponse, error)
	CancelExecution(executionID string) bool
}

var _ Service = (*loom.Service)(nil)

// Server holds the handler dependencies.
type Server struct {
	svc       Service
	bus       *loom.Bus
	logger    *slog.Logger
	heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for request failures and dropped responses.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHeartbeat overrides the SSE heartbeat interval. Tests shorten it.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// New builds a Server over the service and the event bus.
func New(svc Service, bus *loom.Bus, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		bus:       bus,
		logger:    nopLogger,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/dags", s.handleCreateDAG)
		r.Post("/dags/execute", s.handleCreateAndExecute)
		r.Post("/dags/{dagID}/execute", s.handleExecuteDAG)
		r.Patch("/dags/{dagID}/schedule", s.handleUpdateSchedule)
		r.Get("/executions/{id}", s.handleExecutionStatus)
		r.Post("/executions/{id}/resume", s.handleResume)
		r.Delete("/executions/{id}", s.handleCancel)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateDAG plans a goal. A clarification outcome is a 200 with the
// model's query; a stored DAG is a 201.
func (s *Server) handleCreateDAG(w http.ResponseWriter, r *http.Request) {
	var req loom.CreateDAGRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.CreateDAG(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Status == "clarification_required" {
		status = http.StatusOK
	}
	s.respond(w, status, resp)
}

// handleCreateAndExecute plans a goal and launches the run in one call.
func (s *Server) handleCreateAndExecute(w http.ResponseWriter, r *http.Request) {
	var req loom.CreateDAGRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.CreateAndExecuteDAG(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if resp.Status == "clarification_required" {
		status = http.StatusOK
	}
	s.respond(w, status, resp)
}

func (s *Server) handleExecuteDAG(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.ExecuteDAG(r.Context(), chi.URLParam(r, "dagID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.ResumeDAG(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.ExecutionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

// cancelResponse reports a cancellation request. The status is "cancelling"
// because the transition to suspended happens when the executor observes the
// signal, not here.
type cancelResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.svc.CancelExecution(id) {
		s.fail(w, r, fmt.Errorf("no running execution %s: %w", id, loom.ErrNotFound))
		return
	}
	s.respond(w, http.StatusAccepted, cancelResponse{Status: "cancelling", ExecutionID: id})
}

type updateScheduleRequest struct {
	CronSchedule   string `json:"cron_schedule"`
	Timezone       string `json:"timezone,omitempty"`
	ScheduleActive bool   `json:"schedule_active"`
}

type updateScheduleResponse struct {
	Status string `json:"status"`
	DAGID  string `json:"dag_id"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	dagID := chi.URLParam(r, "dagID")
	var req updateScheduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.UpdateSchedule(r.Context(), dagID, req.CronSchedule, req.Timezone, req.ScheduleActive); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updateScheduleResponse{Status: "updated", DAGID: dagID})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.fail(w, r, loom.Ew(loom.KindInvalidInput, "decode request body", err))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	kind := string(loom.KindOf(err))
	if kind == "" && errors.Is(err, loom.ErrNotFound) {
		kind = "not_found"
	}
	msg := err.Error()
	var domain *loom.Error
	if errors.As(err, &domain) {
		msg = domain.Message
		if domain.Err != nil {
			msg += ": " + domain.Err.Error()
		}
	}
	s.respond(w, status, errorBody{Error: apiError{Kind: kind, Message: msg}})
}

// statusOf maps a domain error to an HTTP status code.
func statusOf(err error) int {
	if errors.Is(err, loom.ErrNotFound) {
		return http.StatusNotFound
	}
	switch loom.KindOf(err) {
	case loom.KindInvalidInput, loom.KindInvalidCron:
		return http.StatusBadRequest
	case loom.KindPlannerExhausted, loom.KindResponseTooLarge:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
