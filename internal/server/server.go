// Package server exposes the connector host over HTTP: liveness, per-connector
// data health, manual sync triggers and Prometheus metrics.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/internal/orchestrator"
	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/observability"
)

const (
	// DefaultSyncTimeout bounds a manual sync started over HTTP
	DefaultSyncTimeout = 5 * time.Minute
	// MaxSyncDays caps the days override of a manual sync
	MaxSyncDays = 365

	shutdownTimeout = 10 * time.Second
)

// Server is the host HTTP surface
type Server struct {
	cfg         config.ServerConfig
	manager     *orchestrator.Manager
	http        *clients.HTTPClient
	logger      *zap.Logger
	syncTimeout time.Duration
	httpServer  *http.Server
	// hostCtx bounds manual cycles; it ends when the host shuts down
	hostCtx context.Context
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHTTPClient reports the shared vendor client's stats on /connectors
func WithHTTPClient(c *clients.HTTPClient) Option {
	return func(s *Server) { s.http = c }
}

// WithSyncTimeout bounds manual syncs
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// New creates a server over manager
func New(cfg config.ServerConfig, manager *orchestrator.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		manager:     manager,
		syncTimeout: DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.With(zap.String("component", "server"))
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.TracingMiddleware("nocturne-connect"))
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/data", s.handleHealthData)
	r.Post("/sync", s.handleSync)
	r.Get("/connectors", s.handleConnectors)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to listen").WithDetail("addr", s.cfg.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.hostCtx = ctx
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		// Manual syncs may outlast the configured write timeout
		WriteTimeout: s.cfg.WriteTimeout + s.syncTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to shut down http server")
	}
	return nil
}

func (s *Server) hostContext() context.Context {
	if s.hostCtx != nil {
		return s.hostCtx
	}
	return context.Background()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
