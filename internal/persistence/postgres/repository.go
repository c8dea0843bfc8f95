// Package postgres provides Postgres-backed credential and run persistence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/events"
)

// Repository stores credentials, runs and run outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ domain.TokenStore    = (*Repository)(nil)
	_ domain.ActivityStore = (*Repository)(nil)
)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCredential returns nil when the account has never been connected.
func (r *Repository) GetCredential(ctx context.Context, accountID string) (*domain.Credential, error) {
	const query = `SELECT account_id, athlete_id, access_token, refresh_token, expires_at, updated_at
        FROM strava_connections WHERE account_id=$1`

	var cred domain.Credential
	err := r.pool.QueryRow(ctx, query, accountID).Scan(&cred.AccountID, &cred.AthleteID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// PutCredential inserts or replaces the account's credential.
func (r *Repository) PutCredential(ctx context.Context, cred domain.Credential) error {
	const stmt = `INSERT INTO strava_connections (account_id, athlete_id, access_token, refresh_token, expires_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (account_id) DO UPDATE SET
            athlete_id = CASE WHEN EXCLUDED.athlete_id = 0 THEN strava_connections.athlete_id ELSE EXCLUDED.athlete_id END,
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            updated_at = EXCLUDED.updated_at`

	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if _, err := r.pool.Exec(ctx, stmt, cred.AccountID, cred.AthleteID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, updatedAt); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the account's credential. Stored runs are kept.
func (r *Repository) DeleteCredential(ctx context.Context, accountID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM strava_connections WHERE account_id=$1`, accountID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// UpsertMany writes every run in one transaction. A run whose stored fields
// change (or that is new) gets its revision bumped and a run.synced outbox row;
// unchanged runs are left alone. Either all runs are written or none are.
func (r *Repository) UpsertMany(ctx context.Context, accountID string, runs []domain.NormalizedRun) (written int, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", accountID); err != nil {
		return 0, err
	}

	const upsert = `INSERT INTO runs (activity_id, account_id, kind, name, run_date, distance_km, duration_min, elevation_m, avg_pace_min_per_km, location, start_time_local)
        VALUES ($1,$2,$3,$4,$5::date,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (account_id, activity_id) DO UPDATE SET
            kind = EXCLUDED.kind,
            name = EXCLUDED.name,
            run_date = EXCLUDED.run_date,
            distance_km = EXCLUDED.distance_km,
            duration_min = EXCLUDED.duration_min,
            elevation_m = EXCLUDED.elevation_m,
            avg_pace_min_per_km = EXCLUDED.avg_pace_min_per_km,
            location = EXCLUDED.location,
            start_time_local = EXCLUDED.start_time_local,
            revision = runs.revision + 1,
            synced_at = NOW()
        WHERE (runs.kind, runs.name, runs.run_date, runs.distance_km, runs.duration_min, runs.elevation_m, runs.avg_pace_min_per_km, runs.location, runs.start_time_local)
            IS DISTINCT FROM
            (EXCLUDED.kind, EXCLUDED.name, EXCLUDED.run_date, EXCLUDED.distance_km, EXCLUDED.duration_min, EXCLUDED.elevation_m, EXCLUDED.avg_pace_min_per_km, EXCLUDED.location, EXCLUDED.start_time_local)
        RETURNING revision`

	for _, run := range runs {
		run.AccountID = accountID
		var revision int64
		scanErr := tx.QueryRow(ctx, upsert,
			run.ID,
			accountID,
			run.Kind,
			run.Name,
			run.Date,
			run.DistanceKm,
			run.DurationMin,
			run.ElevationM,
			run.AvgPaceMinPerKm,
			run.Location,
			run.StartTimeLocal,
		).Scan(&revision)
		switch {
		case errors.Is(scanErr, pgx.ErrNoRows):
			// unchanged
		case scanErr != nil:
			err = fmt.Errorf("upsert run %d: %w", run.ID, scanErr)
			return 0, err
		default:
			if err = r.insertOutbox(ctx, tx, run, revision); err != nil {
				return 0, err
			}
		}
		written++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, run domain.NormalizedRun, revision int64) error {
	route, ok := events.Routes[events.TypeRunSynced]
	if !ok {
		return fmt.Errorf("unknown event type: %s", events.TypeRunSynced)
	}

	body, err := json.Marshal(events.RunSynced{
		ActivityID:      run.ID,
		AccountID:       run.AccountID,
		Revision:        revision,
		Kind:            run.Kind,
		Name:            run.Name,
		Date:            run.Date,
		DistanceKm:      run.DistanceKm,
		DurationMin:     run.DurationMin,
		ElevationM:      run.ElevationM,
		AvgPaceMinPerKm: run.AvgPaceMinPerKm,
		Location:        run.Location,
		StartTimeLocal:  run.StartTimeLocal,
	})
	if err != nil {
		return err
	}

	aggregateID := strconv.FormatInt(run.ID, 10)
	dedupeKey := fmt.Sprintf("%s:%s:%s:%d", run.AccountID, aggregateID, events.TypeRunSynced, revision)

	const stmt = `INSERT INTO outbox (account_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		run.AccountID,
		"run",
		aggregateID,
		events.TypeRunSynced,
		route.Topic,
		route.SchemaSubject,
		run.AccountID,
		body,
		dedupeKey,
	)
	return err
}

// QueryAll returns the account's runs, newest start time first.
func (r *Repository) QueryAll(ctx context.Context, accountID string) ([]domain.NormalizedRun, error) {
	const query = `SELECT activity_id, account_id, kind, name, run_date, distance_km, duration_min, elevation_m, avg_pace_min_per_km, location, start_time_local
        FROM runs WHERE account_id=$1
        ORDER BY start_time_local DESC, activity_id DESC`

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", accountID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.NormalizedRun, 0)
	for rows.Next() {
		var (
			run     domain.NormalizedRun
			runDate time.Time
		)
		if err := rows.Scan(&run.ID, &run.AccountID, &run.Kind, &run.Name, &runDate, &run.DistanceKm, &run.DurationMin, &run.ElevationM, &run.AvgPaceMinPerKm, &run.Location, &run.StartTimeLocal); err != nil {
			return nil, err
		}
		run.Date = runDate.Format(domain.DateLayout)
		results = append(results, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}
