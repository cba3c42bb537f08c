// Package api exposes the scan pipeline over HTTP: scan submission, the scan
// read surfaces and health probes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/compliance-armada/internal/domain/scanning"
	"github.com/ahrav/compliance-armada/pkg/common/logger"
)

// ScanDispatcher creates scans and queues their jobs.
type ScanDispatcher interface {
	Dispatch(ctx context.Context, repoURL, branch string) (*scanning.Scan, error)
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build      string
	Log        *logger.Logger
	Tracer     trace.Tracer
	Metrics    APIMetrics
	Dispatcher ScanDispatcher
	Scans      scanning.ScanRepository
	// Progress is optional. When set, scan details include the last
	// progress reported by a worker sharing this process.
	Progress scanning.ProgressReader
	// Ready is optional and reports whether dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *logger.Logger
	router *chi.Mux
}

// NewServer creates a Server with all routes bound.
func NewServer(cfg Config) *Server {
	log := cfg.Log.With("component", "http_api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(metricsMiddleware(cfg.Metrics))
	r.Use(middleware.Recoverer)

	s := &Server{cfg: cfg, logger: log, router: r}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/liveness", s.handleLiveness)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans", s.handleCreateScan)
		r.Get("/scans", s.handleListScans)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/scans/{id}/heatmap", s.handleGetHeatmap)

		r.Get("/findings/{id}", s.handleGetFinding)

		r.Get("/stats/summary", s.handleSummaryStats)
	})
}

// Handler returns the traced root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Start serves on cfg.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, cfg ServerConfig) error {
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info(shutdownCtx, "Shutting down server", "addr", server.Addr)
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
		return fmt.Errorf("could not stop server gracefully: %w", err)
	}
	return nil
}
