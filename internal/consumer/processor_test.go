package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/events"
)

func framed(schemaID int, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func syncRequest(offset int64, payload string) kafka.Message {
	return kafka.Message{
		Topic:     "sync_requests",
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Value:     framed(42, []byte(payload)),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(events.TypeSyncRequested)},
			{Key: "account_id", Value: []byte("acct-header")},
			{Key: "schema_subject", Value: []byte("sync_requests-value")},
		},
	}
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := `{"account_id":"acct","force":true}`
	reader := &scriptedReader{pending: []kafka.Message{syncRequest(10, payload)}}
	handler := &recordingHandler{}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, handler.seen, 1)
	require.Equal(t, []int64{10}, reader.committed)
	require.Equal(t, events.TypeSyncRequested, handler.seen[0].EventType)
	require.Equal(t, "acct-header", handler.seen[0].AccountID)
	require.Equal(t, 42, handler.seen[0].SchemaID)
	require.JSONEq(t, payload, string(handler.seen[0].Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &scriptedReader{pending: []kafka.Message{syncRequest(20, `{}`)}}
	handler := &recordingHandler{err: errors.New("boom")}
	failed := messagesCounter.WithLabelValues("sync_requests", outcomeFailed)
	before := testutil.ToFloat64(failed)

	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, handler.seen, 1)
	require.Empty(t, reader.committed)
	require.InDelta(t, before+1, testutil.ToFloat64(failed), 0.0001)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	short := kafka.Message{Topic: "sync_requests", Value: []byte{0, 1}}
	noHeader := kafka.Message{Topic: "sync_requests", Value: framed(1, []byte(`{}`))}
	reader := &scriptedReader{pending: []kafka.Message{short, noHeader}}
	handler := &recordingHandler{}

	before := testutil.ToFloat64(messagesCounter.WithLabelValues("sync_requests", outcomeMalformed))
	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Empty(t, handler.seen)
	require.Len(t, reader.committed, 2)
	require.InDelta(t, before+2, testutil.ToFloat64(messagesCounter.WithLabelValues("sync_requests", outcomeMalformed)), 0.0001)
}

type stubSyncer struct {
	accounts []string
	force    []bool
	err      error
	status   domain.SyncStatus
}

func (s *stubSyncer) Sync(_ context.Context, accountID string, force bool) (domain.SyncReport, error) {
	s.accounts = append(s.accounts, accountID)
	s.force = append(s.force, force)
	return domain.SyncReport{AccountID: accountID, Status: s.status}, s.err
}

func TestSyncTriggerHandlerDrivesSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer := &stubSyncer{status: domain.SyncStatusCompleted}
	reader := &scriptedReader{pending: []kafka.Message{
		syncRequest(1, `{"account_id":"acct","force":true}`),
		syncRequest(2, `{"force":false}`),
	}}
	handler := NewSyncTriggerHandler(syncer, "default", testLogger(t))

	err := NewProcessor(reader, handler).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []string{"acct", "acct-header"}, syncer.accounts)
	require.Equal(t, []bool{true, false}, syncer.force)
	require.Equal(t, []int64{1, 2}, reader.committed)
}

func TestSyncTriggerHandlerFallsBackToDefaultAccount(t *testing.T) {
	syncer := &stubSyncer{status: domain.SyncStatusFresh}
	handler := NewSyncTriggerHandler(syncer, "default", testLogger(t))

	err := handler.Handle(context.Background(), Message{EventType: events.TypeSyncRequested, Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, syncer.accounts)
}

func TestSyncTriggerHandlerIgnoresOtherEventsAndBadPayloads(t *testing.T) {
	syncer := &stubSyncer{}
	handler := NewSyncTriggerHandler(syncer, "default", testLogger(t))

	require.NoError(t, handler.Handle(context.Background(), Message{EventType: events.TypeRunSynced, Payload: []byte(`{}`)}))
	require.NoError(t, handler.Handle(context.Background(), Message{EventType: events.TypeSyncRequested, Payload: []byte(`not json`)}))
	require.Empty(t, syncer.accounts)
}

func TestSyncTriggerHandlerReturnsSyncFailure(t *testing.T) {
	syncer := &stubSyncer{err: &domain.SyncError{AccountID: "acct", Stage: "fetch", Err: errors.New("down")}}
	handler := NewSyncTriggerHandler(syncer, "default", testLogger(t))

	err := handler.Handle(context.Background(), Message{EventType: events.TypeSyncRequested, Payload: []byte(`{"account_id":"acct"}`)})
	var syncErr *domain.SyncError
	require.ErrorAs(t, err, &syncErr)
}

// scriptedReader replays a fixed set of records and then reports cancellation.
type scriptedReader struct {
	pending   []kafka.Message
	committed []int64
}

func (r *scriptedReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.pending) == 0 {
		return kafka.Message{}, context.Canceled
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	return next, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

type recordingHandler struct {
	seen []Message
	err  error
}

func (h *recordingHandler) Handle(_ context.Context, msg Message) error {
	h.seen = append(h.seen, msg)
	return h.err
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}
