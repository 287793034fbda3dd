package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dimmerd/internal/config"
	"github.com/dokzlo13/dimmerd/internal/ledger"
)

// LedgerService applies the ledger retention policy.
type LedgerService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewLedgerService creates a new LedgerService. l may be nil in memory mode.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{
		cfg:    cfg,
		ledger: l,
	}
}

// Start begins periodic cleanup of old entries.
func (s *LedgerService) Start(ctx context.Context) {
	if s.ledger == nil {
		log.Debug().Msg("Ledger disabled, skipping cleanup")
		return
	}
	go s.runCleanup(ctx)
}

// retention returns the configured retention as a duration.
func (s *LedgerService) retention() time.Duration {
	return time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
}

// cleanup deletes entries older than the retention period once.
func (s *LedgerService) cleanup(ctx context.Context) {
	retention := s.retention()
	deleted, err := s.ledger.DeleteOlderThan(ctx, retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}

func (s *LedgerService) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()

	s.cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}
