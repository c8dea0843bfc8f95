// Package observability holds the Prometheus collectors of the sync pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "sync",
		Name:      "outcomes_total",
		Help:      "Sync calls by final status (completed, partial, fresh, already_syncing, failed).",
	}, []string{"status"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runsync",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of sync passes that contacted the remote API.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	lastSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "runsync",
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync.",
	})

	pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "fetch",
		Name:      "pages_total",
		Help:      "Activity pages fetched from the remote API.",
	})

	runsUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "persistence",
		Name:      "runs_upserted_total",
		Help:      "Normalized runs written to the activity store.",
	})

	validationSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "normalize",
		Name:      "skipped_total",
		Help:      "Remote records skipped because they failed validation.",
	})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "auth",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts by result (refreshed, degraded, failed).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(syncOutcomes, syncDuration, lastSuccessGauge, pagesFetched, runsUpserted, validationSkips, tokenRefreshes)
}

// RecordSyncOutcome counts a finished sync call.
func RecordSyncOutcome(status string) {
	syncOutcomes.WithLabelValues(status).Inc()
}

// RecordSyncDuration observes the duration of a sync pass.
func RecordSyncDuration(d time.Duration) {
	syncDuration.Observe(d.Seconds())
}

// RecordSyncSuccess updates the last-success watermark.
func RecordSyncSuccess(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSuccessGauge.Set(float64(ts.Unix()))
}

// RecordPageFetched counts one activity page.
func RecordPageFetched() {
	pagesFetched.Inc()
}

// RecordRunsUpserted counts written runs.
func RecordRunsUpserted(n int) {
	runsUpserted.Add(float64(n))
}

// RecordValidationSkips counts skipped records.
func RecordValidationSkips(n int) {
	validationSkips.Add(float64(n))
}

// RecordTokenRefresh counts a refresh attempt.
func RecordTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

// SyncOutcomes exposes the outcome counter for tests.
func SyncOutcomes() *prometheus.CounterVec {
	return syncOutcomes
}

// TokenRefreshes exposes the refresh counter for tests.
func TokenRefreshes() *prometheus.CounterVec {
	return tokenRefreshes
}
