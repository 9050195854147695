// Package api exposes the coaching core over a local HTTP surface.
//
// The content script POSTs request envelopes to a single endpoint; health
// and readiness probes exist for process supervision. Routes:
//
//	POST /api/v1/requests  →  coach.Router dispatch
//	GET  /health           →  liveness probe
//	GET  /ready            →  readiness probe (durable storage reachable)
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sidecoach/sidecoach/internal/coach"
)

const (
	// DefaultAddr is the default listen address. Loopback only: the daemon
	// serves a browser extension on the same machine.
	DefaultAddr = "127.0.0.1:8731"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header connections (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout  = 30 * time.Second
	WriteTimeout = 90 * time.Second
	IdleTimeout  = 120 * time.Second

	// maxBodyBytes bounds one request envelope. Code snapshots are the
	// largest payload component and stay well under this.
	maxBodyBytes = 1 << 20
)

// Config contains HTTP surface tuning.
type Config struct {
	// ClientRPS and ClientBurst bound each remote client.
	ClientRPS   float64
	ClientBurst int
}

// Server is the daemon's HTTP server.
type Server struct {
	mux     *http.ServeMux
	router  *coach.Router
	ready   func(context.Context) error // nil = always ready
	limiter *clientLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP server with all routes registered. ready is the
// readiness probe dependency; nil means always ready.
func NewServer(router *coach.Router, ready func(context.Context) error, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientRPS <= 0 {
		cfg.ClientRPS = 10
	}
	if cfg.ClientBurst <= 0 {
		cfg.ClientBurst = 20
	}

	s := &Server{
		mux:     http.NewServeMux(),
		router:  router,
		ready:   ready,
		limiter: newClientLimiter(cfg.ClientRPS, cfg.ClientBurst),
		logger:  logger,
	}
	s.mux.HandleFunc("POST /api/v1/requests", s.handleDispatch)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	return s
}

// Handler returns the HTTP handler with middleware applied.
// Order: recovery → logging → per-client rate limit → routes.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		rateLimitMiddleware(s.limiter, s.logger),
	)
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
