// Package api serves the cycle command API over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
	"github.com/dokzlo13/dimmerd/internal/ledger"
	"github.com/dokzlo13/dimmerd/internal/metrics"
)

// Engine is the part of *dimmer.Engine the API drives.
type Engine interface {
	Start(ctx context.Context, req dimmer.StartRequest) error
	Stop(ctx context.Context, lights []string) error
	StopAll(ctx context.Context) error
	Status() dimmer.Status
	IsCycling(ids ...string) bool
}

// AuditLog records accepted commands. *ledger.Ledger satisfies it.
type AuditLog interface {
	Append(ctx context.Context, eventType ledger.EventType, requestID, source string, payload map[string]any) (string, error)
	GetByType(ctx context.Context, eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// Server is the command API.
type Server struct {
	addr     string
	engine   Engine
	audit    AuditLog
	metrics  *metrics.Metrics
	defaults config.StartDefaults

	httpServer *http.Server
}

// NewServer creates the API server. audit and m may be nil.
func NewServer(host string, port int, engine Engine, audit AuditLog, m *metrics.Metrics, defaults config.StartDefaults) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		engine:   engine,
		audit:    audit,
		metrics:  m,
		defaults: defaults,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/", s.instrument("/cycles", s.handleStatus))
			r.Get("/check", s.instrument("/cycles/check", s.handleCheck))
			r.Post("/start", s.instrument("/cycles/start", s.handleStart))
			r.Post("/stop", s.instrument("/cycles/stop", s.handleStop))
			r.Post("/stop_all", s.instrument("/cycles/stop_all", s.handleStopAll))
		})
		r.Get("/events", s.instrument("/events", s.handleEvents))
	})

	return r
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return s.metrics.WrapHandler(route, h).ServeHTTP
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
