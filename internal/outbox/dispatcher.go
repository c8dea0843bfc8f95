// Package outbox delivers run events recorded alongside run upserts to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/runsync/internal/events"
)

// DefaultClaimLease is how long a claimed row is hidden from other dispatchers.
const DefaultClaimLease = time.Minute

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClaimLease overrides DefaultClaimLease.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

// Dispatcher claims unpublished outbox rows, publishes them and settles the
// batch. Rows that cannot be published are parked in outbox_dlq.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration
	logger       zerolog.Logger

	schemaIDs        sync.Map
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		claimLease:       DefaultClaimLease,
		logger:           zerolog.Nop(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("outbox dispatcher error")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return err
	}
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	failures := d.deliver(ctx, messages)
	for _, msg := range messages {
		if cause, failed := failures[msg.EventID]; failed {
			d.logger.Warn().Err(cause).
				Int64("event_id", msg.EventID).
				Str("event_type", msg.EventType).
				Str("topic", msg.Topic).
				Msg("outbox event not delivered; parking in dlq")
		}
	}
	if err := d.settle(ctx, messages, failures); err != nil {
		return fmt.Errorf("settle outbox batch: %w", err)
	}

	for _, msg := range messages {
		result := resultDelivered
		if _, failed := failures[msg.EventID]; failed {
			result = resultDeadLettered
		}
		eventsCounter.WithLabelValues(msg.Topic, result).Inc()
	}
	return nil
}

// claim leases up to batchSize unpublished rows in one statement. Rows whose
// lease expired without being settled are claimed again.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const query = `UPDATE outbox SET claimed_at = NOW()
        WHERE event_id IN (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL
              AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED)
        RETURNING event_id, account_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

	rows, err := d.pool.Query(ctx, query, d.batchSize, d.claimLease)
	if err != nil {
		return nil, err
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToStructByName[Message])
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].EventID < messages[j].EventID })
	return messages, nil
}

// deliver publishes messages grouped by topic in first-seen order and returns
// the failure of every message that was not published.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) map[int64]error {
	failures := make(map[int64]error)
	var topics []string
	batches := make(map[string][]Message)

	for _, msg := range messages {
		if _, seen := batches[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], msg)
	}

	for _, topic := range topics {
		var (
			records []kafka.Message
			framed  []Message
		)
		for _, msg := range batches[topic] {
			record, err := d.record(ctx, msg)
			if err != nil {
				failures[msg.EventID] = err
				continue
			}
			records = append(records, record)
			framed = append(framed, msg)
		}
		if len(records) == 0 {
			continue
		}
		if err := d.producer.WriteMessages(ctx, topic, records...); err != nil {
			for _, msg := range framed {
				failures[msg.EventID] = fmt.Errorf("write to %s: %w", topic, err)
			}
		}
	}
	return failures
}

func (d *Dispatcher) record(ctx context.Context, msg Message) (kafka.Message, error) {
	route, ok := events.Routes[msg.EventType]
	if !ok {
		return kafka.Message{}, fmt.Errorf("no route for event type %q", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, route.Schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "account_id", Value: []byte(msg.AccountID)},
			{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
		},
		Time: time.Now().UTC(),
	}, nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if id, ok := d.schemaIDs.Load(subject); ok {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, fmt.Errorf("schema for %s: %w", subject, err)
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

// settle marks the whole batch published, parks failures in outbox_dlq and
// clears DLQ entries of events that went through, all in one transaction.
func (d *Dispatcher) settle(ctx context.Context, messages []Message, failures map[int64]error) error {
	const parkDLQ = `INSERT INTO outbox_dlq (account_id, event_id, event_type, topic, aggregate_type, aggregate_id, schema_subject, partition_key, payload, reason, next_retry_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())
        ON CONFLICT (event_id) DO UPDATE
            SET reason = EXCLUDED.reason,
                last_attempt_at = NOW(),
                replayed_at = NULL`

	batch := &pgx.Batch{}
	ids := make([]int64, 0, len(messages))
	delivered := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
		cause, failed := failures[msg.EventID]
		if !failed {
			delivered = append(delivered, msg.EventID)
			continue
		}
		batch.Queue(parkDLQ,
			msg.AccountID, msg.EventID, msg.EventType, msg.Topic, msg.AggregateType, msg.AggregateID,
			msg.SchemaSubject, msg.PartitionKey, msg.Payload, cause.Error(),
		)
	}
	batch.Queue(`UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	if len(delivered) > 0 {
		batch.Queue(`DELETE FROM outbox_dlq WHERE event_id = ANY($1)`, delivered)
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Message is one claimed outbox row.
type Message struct {
	EventID       int64           `db:"event_id"`
	AccountID     string          `db:"account_id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Topic         string          `db:"topic"`
	SchemaSubject string          `db:"schema_subject"`
	PartitionKey  string          `db:"partition_key"`
	Payload       json.RawMessage `db:"payload"`
}
