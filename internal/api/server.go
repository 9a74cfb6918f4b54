// Package api provides the ops HTTP surface of the delivery engine. It mounts
// a chi router with health, Prometheus metrics and read/trigger endpoints over
// the event monitor, the job registry and the queue. Every dependency is a
// narrow interface so the router can be exercised with fakes in tests.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/monitor"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

// EventQuery is the read side of the event monitor.
type EventQuery interface {
	GetRecentEvents(limit int) []types.EmailEvent
	GetEventsByType(typ types.EventType, limit int) []types.EmailEvent
	GetFailedEvents(limit int) []types.EmailEvent
	GetTemplateMetrics() []monitor.TemplateMetrics
}

// JobRegistry is the subset of the cron registry the router needs.
type JobRegistry interface {
	GetJobs() []types.CronJob
	GetJob(id string) (types.CronJob, error)
	RunJob(ctx context.Context, id string) (*types.CronRun, error)
	RunAllJobs(ctx context.Context) []types.CronRun
	GetRecentRuns(ctx context.Context, limit int) ([]types.CronRun, error)
	GetJobRuns(ctx context.Context, id string, limit int) ([]types.CronRun, error)
}

// QueueStats reports queue depth by status.
type QueueStats interface {
	Stats(ctx context.Context) (types.QueueStats, error)
}

// TemplatePreviewer lists and previews email templates.
type TemplatePreviewer interface {
	Templates() []string
	Preview(ctx context.Context, name string, raw []byte) (*email.Rendered, error)
}

// Deps wires the router. Logger is required; every other field is optional
// and the corresponding routes answer 502 upstream_unavailable when it is nil.
type Deps struct {
	Logger       types.Logger
	Events       EventQuery
	Jobs         JobRegistry
	Queue        QueueStats
	Templates    TemplatePreviewer
	HealthProbes []HealthProbe

	// Metrics serves /metrics. Nil leaves the route unmounted.
	Metrics http.Handler
	// Requests records per-request latency. Optional.
	Requests RequestRecorder

	RequestTimeout time.Duration
	Build          BuildInfo
}

// BuildInfo is echoed by /health.
type BuildInfo struct {
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
}

// Server owns the router and its dependencies.
type Server struct {
	deps   Deps
	logger types.Logger
	router *chi.Mux
}

// NewServer builds the router with every route mounted.
func NewServer(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("api: logger must not be nil")
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		router: chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("ops server shutdown initiated")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("ops server shutdown complete")
	return nil
}
