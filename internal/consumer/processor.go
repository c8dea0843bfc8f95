// Package consumer turns sync trigger records on Kafka into orchestrator runs.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/runsync/internal/outbox"
)

// Reader is the subset of *kafka.Reader the processor drives.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler acts on one decoded record. A non-nil error leaves the offset
// uncommitted.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a trigger record with its wire framing and headers unpacked.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	AccountID     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// ReaderConfig names the topic and consumer group to join.
type ReaderConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewKafkaReader returns a group reader. Offsets are committed by the
// processor, never on an interval.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        1,
		MaxBytes:        1 << 20,
		MaxWait:         time.Second,
		ReadLagInterval: -1,
	})
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor feeds records from a Reader to a Handler one at a time.
type Processor struct {
	reader  Reader
	handler Handler
	logger  zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{reader: reader, handler: handler, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is done or the reader reports cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		record, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Warn().Err(err).Msg("kafka fetch failed")
			continue
		}
		p.process(ctx, record)
	}
	return ctx.Err()
}

func (p *Processor) process(ctx context.Context, record kafka.Message) {
	log := p.logger.With().
		Str("topic", record.Topic).
		Int("partition", record.Partition).
		Int64("offset", record.Offset).
		Logger()

	msg, err := parseRecord(record)
	if err != nil {
		// A record that can never decode is committed so it does not block the partition.
		log.Warn().Err(err).Msg("skipping malformed record")
		observe(record.Topic, outcomeMalformed, record.Time)
		p.commit(ctx, log, record)
		return
	}

	if err := p.handler.Handle(ctx, msg); err != nil {
		log.Error().Err(err).Str("event_type", msg.EventType).Str("account_id", msg.AccountID).Msg("trigger handling failed")
		observe(record.Topic, outcomeFailed, record.Time)
		return
	}
	if p.commit(ctx, log, record) {
		observe(record.Topic, outcomeHandled, record.Time)
	}
}

func (p *Processor) commit(ctx context.Context, log zerolog.Logger, record kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, record); err != nil {
		log.Error().Err(err).Msg("offset commit failed")
		return false
	}
	return true
}

func parseRecord(record kafka.Message) (Message, error) {
	schemaID, payload, err := outbox.DecodeWireFormat(record.Value)
	if err != nil {
		return Message{}, err
	}

	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	eventType, ok := headers["event_type"]
	if !ok {
		return Message{}, fmt.Errorf("record has no event_type header")
	}

	return Message{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Timestamp:     record.Time,
		EventType:     eventType,
		AccountID:     headers["account_id"],
		SchemaSubject: headers["schema_subject"],
		SchemaID:      schemaID,
		Payload:       append(json.RawMessage(nil), payload...),
	}, nil
}
