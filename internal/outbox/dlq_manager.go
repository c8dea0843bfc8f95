package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	defaultDLQMaxRetries = 5
	defaultDLQBaseDelay  = time.Minute
	maxDLQDelay          = time.Hour
)

// DLQManager replays parked outbox events and quarantines those that keep
// failing.
//
// An entry moves through three states. Waiting entries become due at
// next_retry_at; replaying the entry clears published_at on its outbox row so
// the dispatcher picks it up again and sets replayed_at. The dispatcher then
// either deletes the entry (delivered) or clears replayed_at (failed again).
// Once retry_count reaches maxRetries a due entry is quarantined instead.
type DLQManager struct {
	pool             *pgxpool.Pool
	maxRetries       int
	baseDelay        time.Duration
	logger           zerolog.Logger
	shutdownComplete chan struct{}
}

// NewDLQManager constructs a DLQManager. Non-positive limits fall back to
// five retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger zerolog.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = defaultDLQMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultDLQBaseDelay
	}
	return &DLQManager{
		pool:             pool,
		maxRetries:       maxRetries,
		baseDelay:        baseDelay,
		logger:           logger.With().Str("component", "dlq_manager").Logger(),
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs RunOnce every interval until ctx is done. It should be called in a goroutine.
func (m *DLQManager) Start(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		close(m.shutdownComplete)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		replayed, err := m.RunOnce(ctx, batchSize)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.logger.Error().Err(err).Int("replayed", replayed).Msg("dlq pass failed")
		case replayed > 0:
			m.logger.Info().Int("replayed", replayed).Msg("dlq entries replayed")
		}
		m.refreshBacklog(ctx)
	}
}

// Wait blocks until Start has returned.
func (m *DLQManager) Wait() {
	<-m.shutdownComplete
}

// RunOnce acts on up to batchSize due entries and returns how many were replayed.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, reason, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL
          AND replayed_at IS NULL
          AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY next_retry_at NULLS FIRST, dlq_id
        LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[dlqEntry])
	if err != nil {
		return 0, err
	}

	replayed := 0
	var errs error
	for _, entry := range entries {
		action, err := m.act(ctx, entry)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		dlqActions.WithLabelValues(entry.EventType, action).Inc()
		if action == actionReplayed {
			replayed++
		}
	}
	return replayed, errs
}

// act replays or quarantines one entry in its own transaction.
func (m *DLQManager) act(ctx context.Context, entry dlqEntry) (string, error) {
	action := actionReplayed
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			action = actionQuarantined
			return quarantine(ctx, tx, entry.ID, "retry limit reached")
		}

		tag, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NULL, claimed_at = NULL WHERE event_id = $1`, entry.EventID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			action = actionQuarantined
			return quarantine(ctx, tx, entry.ID, "outbox row no longer exists")
		}

		_, err = tx.Exec(ctx,
			`UPDATE outbox_dlq
                SET retry_count = retry_count + 1,
                    last_attempt_at = NOW(),
                    replayed_at = NOW(),
                    next_retry_at = NOW() + $1::interval
              WHERE dlq_id = $2`,
			backoffDelay(m.baseDelay, entry.RetryCount+1), entry.ID,
		)
		return err
	})
	if err != nil {
		return "", err
	}

	event := m.logger.Info()
	if action == actionQuarantined {
		event = m.logger.Warn()
	}
	event.Int64("dlq_id", entry.ID).
		Int64("event_id", entry.EventID).
		Str("event_type", entry.EventType).
		Int("retry_count", entry.RetryCount).
		Str("last_reason", entry.Reason).
		Msg("dlq entry " + action)
	return action, nil
}

func quarantine(ctx context.Context, tx pgx.Tx, dlqID int64, reason string) error {
	_, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, reason, dlqID)
	return err
}

// backoffDelay doubles base for every attempt after the first, capped at one hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return maxDLQDelay
	}
	return min(base<<(attempt-1), maxDLQDelay)
}

func (m *DLQManager) refreshBacklog(ctx context.Context) {
	var waiting, replaying, quarantined int
	err := m.pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE quarantined_at IS NULL AND replayed_at IS NULL),
            COUNT(*) FILTER (WHERE quarantined_at IS NULL AND replayed_at IS NOT NULL),
            COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
        FROM outbox_dlq`).Scan(&waiting, &replaying, &quarantined)
	if err != nil {
		m.logger.Debug().Err(err).Msg("dlq backlog query failed")
		return
	}
	dlqBacklog.WithLabelValues("waiting").Set(float64(waiting))
	dlqBacklog.WithLabelValues("replaying").Set(float64(replaying))
	dlqBacklog.WithLabelValues("quarantined").Set(float64(quarantined))
}

// dlqEntry is the part of an outbox_dlq row the manager decides on.
type dlqEntry struct {
	ID         int64  `db:"dlq_id"`
	EventID    int64  `db:"event_id"`
	EventType  string `db:"event_type"`
	Topic      string `db:"topic"`
	Reason     string `db:"reason"`
	RetryCount int    `db:"retry_count"`
}
