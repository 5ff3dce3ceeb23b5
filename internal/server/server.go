// Package server exposes the task registry over HTTP so other processes
// can spawn workers and poll them by id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bldx/internal/task"
	"github.com/3cpo-dev/bldx/internal/telemetry"
)

// Tasks is the part of the lifecycle manager the server needs.
type Tasks interface {
	Spawn(spec task.CommandSpec, timeout time.Duration) (string, error)
	Poll(id string) (task.Snapshot, error)
	List() []task.Snapshot
}

type Server struct {
	Version string
	// Token, when set, must accompany every request except heartbeats.
	Token string

	tasks Tasks
	perf  *telemetry.PerformanceMonitor
	srv   *http.Server
}

// New returns a server backed by tasks. perf may be nil.
func New(tasks Tasks, version, token string, perf *telemetry.PerformanceMonitor) *Server {
	return &Server{Version: version, Token: token, tasks: tasks, perf: perf}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.Handle("GET /v0/heartbeat", s.instrument("heartbeat", http.HandlerFunc(s.heartbeat)))
	mux.Handle("POST /v0/tasks", s.instrument("spawn", s.auth(http.HandlerFunc(s.spawn))))
	mux.Handle("GET /v0/tasks", s.instrument("list", s.auth(http.HandlerFunc(s.list))))
	mux.Handle("GET /v0/tasks/{id}", s.instrument("poll", s.auth(http.HandlerFunc(s.poll))))
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Time:    time.Now(),
		Host:    r.Host,
		Version: s.Version,
		Tasks:   len(s.tasks.List()),
	})
}

func (s *Server) spawn(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Command.Executable == "" {
		writeError(w, http.StatusBadRequest, errors.New("command.executable is required"))
		return
	}

	id, err := s.tasks.Spawn(req.Command, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		var spawnErr *task.SpawnError
		if errors.As(err, &spawnErr) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Info().Str("task_id", id).Str("executable", req.Command.Executable).Msg("task spawned via api")
	writeJSON(w, http.StatusAccepted, SpawnResponse{ID: id})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListResponse{Tasks: s.tasks.List()})
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tasks.Poll(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// auth accepts "Authorization: Bearer <token>" or "X-Auth-Token: <token>".
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.Token && r.Header.Get("X-Auth-Token") != s.Token {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.perf != nil {
			s.perf.RecordRequestMetrics(route, rec.status, time.Since(start))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("status server listening")
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
