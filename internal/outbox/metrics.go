package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox events settled by the dispatcher, by topic and result (delivered or dead_lettered).",
	}, []string{"topic", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runsync",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time from claiming an outbox batch to settling it.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "dlq",
		Name:      "actions_total",
		Help:      "DLQ manager decisions, by event type and action (replayed or quarantined).",
	}, []string{"event_type", "action"})

	dlqBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runsync",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries in outbox_dlq, by state (waiting, replaying, quarantined).",
	}, []string{"state"})
)

const (
	resultDelivered    = "delivered"
	resultDeadLettered = "dead_lettered"

	actionReplayed    = "replayed"
	actionQuarantined = "quarantined"
)

func init() {
	prometheus.MustRegister(eventsCounter, batchDuration, dlqActions, dlqBacklog)
}
