package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCredentialExpiry(t *testing.T) {
	now := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	cred := Credential{ExpiresAt: now.Add(3 * time.Minute)}

	require.False(t, cred.Expired(now))
	require.True(t, cred.NeedsRefresh(now, 5*time.Minute))
	require.False(t, cred.NeedsRefresh(now, time.Minute))
	require.True(t, cred.Expired(now.Add(3*time.Minute)))
}

func TestTokenPrefixMasksToken(t *testing.T) {
	require.Equal(t, "***", TokenPrefix("short"))
	require.Equal(t, "abcdef...", TokenPrefix("abcdefghijkl"))
}

func TestRawActivityValidate(t *testing.T) {
	dist, moving, negative := 5000.0, 1500.0, -1.0
	valid := RawActivity{ID: 7, Distance: &dist, MovingTime: &moving, StartDateLocal: "2025-04-30T06:30:00Z", Type: "Run"}
	require.NoError(t, valid.Validate())

	cases := map[string]func(a *RawActivity){
		"id":               func(a *RawActivity) { a.ID = 0 },
		"distance":         func(a *RawActivity) { a.Distance = &negative },
		"moving_time":      func(a *RawActivity) { a.MovingTime = nil },
		"start_date_local": func(a *RawActivity) { a.StartDateLocal = " " },
		"type":             func(a *RawActivity) { a.Type = "" },
	}
	for field, mutate := range cases {
		raw := valid
		mutate(&raw)
		var verr *ValidationError
		require.ErrorAs(t, raw.Validate(), &verr, field)
		require.Equal(t, field, verr.Field)
	}
}

func TestSyncStateStaleness(t *testing.T) {
	now := time.Now()
	state := NewSyncState("acct")
	require.True(t, state.Stale(now, 6*time.Hour), "never synced is always stale")

	state.LastSyncAt = now.Add(-time.Hour)
	require.False(t, state.Stale(now, 6*time.Hour))
	require.True(t, state.Stale(now, time.Hour))
}

func TestSyncStateBackingOff(t *testing.T) {
	now := time.Now()
	state := NewSyncState("acct")
	state.LastAttemptAt = now.Add(-30 * time.Second)
	require.False(t, state.BackingOff(now, time.Minute), "a successful attempt never backs off")

	state.LastError = "fetch failed"
	require.True(t, state.BackingOff(now, time.Minute))
	require.False(t, state.BackingOff(now.Add(30*time.Second), time.Minute))
}

func TestErrorsUnwrap(t *testing.T) {
	root := errors.New("connection reset")
	err := &SyncError{AccountID: "acct", Stage: "fetch", Err: &AuthError{AccountID: "acct", Temporary: true, Err: root}}

	require.ErrorIs(t, err, root)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.False(t, authErr.ReconnectRequired())
	require.Contains(t, err.Error(), "failed at fetch")
}
