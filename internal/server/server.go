// Package server exposes a running batch over HTTP: health probes, live
// slot state and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/slotbatch/internal/server/handlers"
	"github.com/3leaps/slotbatch/internal/server/middleware"
)

// Options configures a Server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Version string
	Source  handlers.SlotSource
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Health  *handlers.HealthManager
	Logger  *zap.Logger
}

// Server is the status server.
type Server struct {
	opts   Options
	router chi.Router
	srv    *http.Server
	ln     net.Listener
	done   chan error
}

// New builds the router. Nothing listens until Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(opts.Version)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recovery(opts.Logger))
	r.Use(middleware.Logging(opts.Logger))
	r.NotFound(handlers.NotFound)

	r.Get("/health", opts.Health.HealthHandler)
	r.Get("/health/live", opts.Health.LivenessHandler)
	r.Get("/health/ready", opts.Health.ReadinessHandler)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/slots", handlers.Slots(opts.Source))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return &Server{opts: opts, router: r}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background. It returns the
// bound address, which differs from Options.Addr when the port is 0.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}
	s.done = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.opts.Logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown drains in-flight requests within the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
