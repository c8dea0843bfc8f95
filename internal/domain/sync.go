package domain

import "time"

// SyncStatus describes how a sync call ended.
type SyncStatus string

const (
	// SyncStatusCompleted means the remote signaled exhaustion and everything was stored.
	SyncStatusCompleted SyncStatus = "completed"
	// SyncStatusPartial means the page cap was reached before exhaustion.
	SyncStatusPartial SyncStatus = "partial"
	// SyncStatusFresh means the staleness window had not elapsed; nothing was fetched.
	SyncStatusFresh SyncStatus = "fresh"
	// SyncStatusAlreadySyncing means another sync for the account was in flight.
	SyncStatusAlreadySyncing SyncStatus = "already_syncing"
	// SyncStatusReconnectRequired means the credential was rejected and only a
	// reconnect or a forced sync contacts the remote again.
	SyncStatusReconnectRequired SyncStatus = "reconnect_required"
)

// SyncReport summarises one sync call.
type SyncReport struct {
	RunID            string        `json:"run_id,omitempty"`
	AccountID        string        `json:"account_id"`
	Status           SyncStatus    `json:"status"`
	ActivitiesSynced int           `json:"activities_synced"`
	TotalFetched     int           `json:"total_fetched"`
	Skipped          int           `json:"skipped"`
	Pages            int           `json:"pages"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Duration         time.Duration `json:"duration"`
}

// SyncState is the per-account sync bookkeeping owned by the orchestrator.
type SyncState struct {
	AccountID     string      `json:"account_id"`
	LastSyncAt    time.Time   `json:"last_sync_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at"`
	InProgress    bool        `json:"in_progress"`
	LastError     string      `json:"last_error,omitempty"`
	LastReport    *SyncReport `json:"last_report,omitempty"`

	// ReconnectRequired is set when the last attempt ended in an AuthError
	// that needs user action.
	ReconnectRequired bool `json:"reconnect_required"`
}

// NewSyncState returns the initial state: never synced, idle.
func NewSyncState(accountID string) *SyncState {
	return &SyncState{AccountID: accountID, LastSyncAt: time.Unix(0, 0).UTC()}
}

// Stale reports whether the staleness interval has elapsed since the last success.
func (s SyncState) Stale(now time.Time, interval time.Duration) bool {
	return now.Sub(s.LastSyncAt) >= interval
}

// BackingOff reports whether the last attempt failed less than backoff ago.
func (s SyncState) BackingOff(now time.Time, backoff time.Duration) bool {
	return s.LastError != "" && now.Sub(s.LastAttemptAt) < backoff
}
