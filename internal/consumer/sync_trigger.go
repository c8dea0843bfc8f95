package consumer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/events"
)

// Syncer is the orchestrator entry point a trigger drives.
type Syncer interface {
	Sync(ctx context.Context, accountID string, force bool) (domain.SyncReport, error)
}

// SyncTriggerHandler turns sync.requested events into Sync calls. Triggers
// that arrive while a sync is running collapse into it.
type SyncTriggerHandler struct {
	syncer         Syncer
	defaultAccount string
	logger         zerolog.Logger
}

// NewSyncTriggerHandler constructs a handler. Events without an account id
// sync defaultAccount.
func NewSyncTriggerHandler(syncer Syncer, defaultAccount string, logger zerolog.Logger) *SyncTriggerHandler {
	return &SyncTriggerHandler{syncer: syncer, defaultAccount: defaultAccount, logger: logger}
}

// Handle implements Handler. Unknown event types and unreadable payloads are
// acknowledged without syncing; sync failures are returned so the offset is
// not committed.
func (h *SyncTriggerHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSyncRequested {
		h.logger.Debug().Str("event_type", msg.EventType).Msg("ignoring event")
		return nil
	}

	var req events.SyncRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("unreadable sync request")
		return nil
	}

	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = strings.TrimSpace(msg.AccountID)
	}
	if accountID == "" {
		accountID = h.defaultAccount
	}

	report, err := h.syncer.Sync(ctx, accountID, req.Force)
	if err != nil {
		return err
	}
	h.logger.Info().
		Str("account_id", accountID).
		Bool("force", req.Force).
		Str("status", string(report.Status)).
		Int("synced", report.ActivitiesSynced).
		Msg("triggered sync finished")
	return nil
}
