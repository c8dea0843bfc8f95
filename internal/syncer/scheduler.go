package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"example.com/runsync/internal/domain"
)

// Syncer is the part of the Orchestrator the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context, accountID string, force bool) (domain.SyncReport, error)
}

// Scheduler periodically asks the orchestrator to sync each account. Syncs are
// never forced, so the staleness policy decides whether anything is fetched.
type Scheduler struct {
	syncer           Syncer
	accounts         []string
	interval         time.Duration
	logger           zerolog.Logger
	shutdownComplete chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(syncer Syncer, accounts []string, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		syncer:           syncer,
		accounts:         accounts,
		interval:         interval,
		logger:           logger.With().Str("component", "scheduler").Logger(),
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until ctx is done.
// It should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.shutdownComplete)
	}()

	for {
		s.pass(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (s *Scheduler) Wait() {
	<-s.shutdownComplete
}

func (s *Scheduler) pass(ctx context.Context) {
	for _, accountID := range s.accounts {
		if ctx.Err() != nil {
			return
		}
		report, err := s.syncer.Sync(ctx, accountID, false)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Str("account_id", accountID).Msg("scheduled sync failed")
			}
			continue
		}
		s.logger.Debug().
			Str("account_id", accountID).
			Str("status", string(report.Status)).
			Int("synced", report.ActivitiesSynced).
			Msg("scheduled sync pass")
	}
}
