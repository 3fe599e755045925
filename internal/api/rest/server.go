package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/config"
	"github.com/rideworks/ride-negotiation-backend/internal/metrics"
)

// ReadinessCheck reports whether a downstream dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Server bundles the HTTP server with its lifecycle management.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
	readiness       map[string]ReadinessCheck
}

type ServerOptions struct {
	Config    *config.ServerConfig
	Handler   *Handler
	Auth      *AuthMiddleware
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	RateLimit int
	RateBurst int
	// Readiness checks are probed by GET /readyz; the key names the
	// dependency in the response body.
	Readiness map[string]ReadinessCheck
}

func NewServer(opts ServerOptions) *Server {
	mux := http.NewServeMux()
	opts.Handler.RegisterRoutes(mux)

	api := Chain(mux,
		RequestIDMiddleware(),
		TracingMiddleware(),
		LoggingMiddleware(opts.Logger),
		RecoverMiddleware(opts.Logger),
		MetricsMiddleware(opts.Metrics),
		RateLimitMiddleware(opts.RateLimit, opts.RateBurst),
		opts.Auth.Middleware(),
	)

	root := http.NewServeMux()
	root.Handle("/api/v1/", api)
	root.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics.Gatherer(), promhttp.HandlerOpts{}))

	srv := &Server{
		logger:          opts.Logger,
		shutdownTimeout: opts.Config.ShutdownTimeout,
		readiness:       opts.Readiness,
	}
	root.HandleFunc("GET /healthz", srv.handleHealth)
	root.HandleFunc("GET /readyz", srv.handleReady)

	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Config.Port),
		Handler:      root,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}
	return srv
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("http server draining", "timeout", s.shutdownTimeout)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.readiness))
	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, checks)
}
