package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/api"
	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/db"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
	"github.com/dokzlo13/dimmerd/internal/dispatch"
	"github.com/dokzlo13/dimmerd/internal/history"
	"github.com/dokzlo13/dimmerd/internal/ledger"
	"github.com/dokzlo13/dimmerd/internal/metrics"
	"github.com/dokzlo13/dimmerd/internal/persist"
	"github.com/dokzlo13/dimmerd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB          *db.DB
	Ledger      *ledger.Ledger
	Persistence dimmer.Persistence
	Metrics     *metrics.Metrics

	// Command path
	Backends   *BackendService
	History    *history.Client
	Dispatcher *dispatch.Dispatcher
	Engine     *dimmer.Engine

	// High-level services
	LedgerCleanup *LedgerService
	Health        *HealthService
	API           *APIService
}

// NewServices creates all services with proper dependency injection.
// Nothing touches the network until Start.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	if cfg.Database.Memory {
		log.Warn().Msg("Running with in-memory state, cycles will not survive a restart")
		s.Persistence = persist.NewMemory()
	} else {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.Persistence = persist.NewGateway(storage.NewStore(database.DB))
	}

	s.Metrics = metrics.New()
	s.Backends = NewBackendService(cfg)
	s.LedgerCleanup = NewLedgerService(cfg, s.Ledger)
	s.Health = NewHealthService(cfg, s.Metrics, s.Backends.Ready)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Backends.Start(ctx); err != nil {
		return err
	}

	hooks := []dispatch.Hooks{s.Metrics}
	if s.cfg.Influx.Enabled {
		client, err := history.Connect(s.cfg.Influx)
		if err != nil {
			// History is best effort; cycling works without it.
			log.Error().Err(err).Msg("Failed to connect to InfluxDB, command history disabled")
		} else {
			s.History = client
			hooks = append(hooks, client)
		}
	}

	s.Dispatcher = dispatch.New(s.Backends.Router, dispatch.Options{
		Workers:      s.cfg.Dispatch.Workers,
		QueueSize:    s.cfg.Dispatch.QueueSize,
		RateLimitRPS: s.cfg.Dispatch.RateLimitRPS,
		Hooks:        hooks,
	})

	s.Engine = dimmer.New(dimmer.Options{
		Store:    s.Persistence,
		States:   s.Backends.Router,
		Sink:     s.Dispatcher,
		Observer: s.Metrics,
	})
	if err := s.Engine.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore cycles: %w", err)
	}
	s.Metrics.SetActive(s.Engine.Status().ActiveLights)

	// A nil *ledger.Ledger must not become a non-nil interface.
	var audit api.AuditLog
	if s.Ledger != nil {
		audit = s.Ledger
	}
	server := api.NewServer(s.cfg.API.Host, s.cfg.API.Port, s.Engine, audit, s.Metrics, s.cfg.Engine.Defaults)
	s.API = NewAPIService(s.cfg, server)

	s.LedgerCleanup.Start(ctx)
	s.Health.Start(ctx)
	s.API.Start(ctx)

	return nil
}

// ClearState removes the persisted cycle registry.
func (s *Services) ClearState(ctx context.Context) error {
	if err := s.Persistence.Remove(ctx); err != nil {
		return err
	}
	log.Info().Msg("Cleared persisted cycles")
	return nil
}

// Stop gracefully stops all services: the engine first so the final
// registry is saved, then the command path, then storage.
func (s *Services) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	var firstErr error
	if s.Engine != nil {
		if err := s.Engine.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to save cycles on shutdown")
			firstErr = err
		}
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Close(ctx)
	}
	if s.History != nil {
		s.History.Close()
	}
	s.Backends.Close()

	if err := s.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close closes all resources.
func (s *Services) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
