package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeHandled   = "handled"
	outcomeFailed    = "failed"
	outcomeMalformed = "malformed"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runsync",
		Subsystem: "trigger_consumer",
		Name:      "messages_total",
		Help:      "Trigger records read from Kafka by outcome.",
	}, []string{"topic", "outcome"})

	handleLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runsync",
		Subsystem: "trigger_consumer",
		Name:      "handle_lag_seconds",
		Help:      "Delay between a record's Kafka timestamp and the end of its handling.",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300},
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(messagesCounter, handleLag)
}

func observe(topic, outcome string, produced time.Time) {
	messagesCounter.WithLabelValues(topic, outcome).Inc()
	if outcome == outcomeHandled && !produced.IsZero() {
		handleLag.WithLabelValues(topic).Observe(time.Since(produced).Seconds())
	}
}
