package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/metrics"
	"github.com/meko-christian/mail-intake/internal/model"
	"github.com/meko-christian/mail-intake/internal/pipeline"
)

// Runner executes a job by name unless another run is in progress, in which
// case it returns pipeline.ErrRunInProgress. *pipeline.Service implements it.
type Runner interface {
	TryRun(ctx context.Context, job string) (pipeline.Report, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

var jobs = map[string]bool{
	"fetch_bounces":    true,
	"fetch_activities": true,
}

// Server is the HTTP API for triggering jobs and scraping metrics.
type Server struct {
	cfg     config.ServerConfig
	runner  Runner
	metrics *metrics.Metrics
	health  HealthCheck
	auth    *TokenAuth
	logger  *slog.Logger

	server *http.Server
}

func New(cfg config.ServerConfig, runner Runner, m *metrics.Metrics, health HealthCheck, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		runner:  runner,
		metrics: m,
		health:  health,
		auth:    NewTokenAuth(cfg.TokenHash, logger),
		logger:  logger,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.RequireToken)
		protected.Post("/jobs/{job}", s.handleRunJob)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", "address", s.server.Addr, "auth", s.auth.Enabled())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

type errorBody struct {
	Error string `json:"error"`
}

type runResponse struct {
	pipeline.Report
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if !jobs[job] {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("unknown job %q", job)})
		return
	}

	s.logger.Info("Job requested", "job", job, "request_id", chimiddleware.GetReqID(r.Context()))

	// A client hanging up must not cut a run short between messages.
	report, err := s.runner.TryRun(context.WithoutCancel(r.Context()), job)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if model.IsConfigError(err) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, runResponse{Report: report, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, runResponse{Report: report})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
