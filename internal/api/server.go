// Package api provides the local control HTTP API for a running agent.
//
// The API binds to loopback by default and exposes:
//
//	GET  /health               — liveness probe
//	GET  /status               — agent id, connection state, queue depth
//	GET  /history              — recent print records, newest first
//	GET  /history/:id          — one print record
//	POST /history/:id/reprint  — re-submit a past payload to the printer
//	POST /print                — submit a test payload to the printer
//	GET  /metrics              — Prometheus text format
//
// Jobs submitted here are local: they go through the normal queue and
// dispatcher but their outcome is never acknowledged to the print server.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayprint/relayprint/internal/history"
	"github.com/relayprint/relayprint/internal/metrics"
	"github.com/relayprint/relayprint/internal/queue"
	"github.com/relayprint/relayprint/internal/stream"
)

// Options configures the control API server.
type Options struct {
	Host    string
	Port    int
	APIKey  string
	RateRPS float64
	Burst   int

	AgentID string
	Queue   *queue.Queue
	Stream  *stream.Client
	History *history.Store
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Server is the local control API.
type Server struct {
	inner *http.Server
	log   *slog.Logger
}

// New builds a Server. The gin engine is assembled here; handlers live in
// handlers.go and middleware in middleware.go.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(rateLimit(opts.RateRPS, opts.Burst))
	r.Use(auth(opts.APIKey))

	h := &handler{
		agentID:   opts.AgentID,
		queue:     opts.Queue,
		stream:    opts.Stream,
		history:   opts.History,
		startedAt: time.Now(),
	}
	h.register(r)

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	return &Server{
		inner: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: log,
	}
}

// Handler returns the composed handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server. It returns when the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("control api listening", "addr", s.inner.Addr)
	if err := s.inner.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
