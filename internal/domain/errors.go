package domain

import (
	"fmt"
)

// AuthError reports a credential the remote rejected or could not refresh.
// Temporary is set when the failure was a network error, 5xx or 429 rather
// than an explicit rejection.
type AuthError struct {
	AccountID string
	Status    int
	Body      string
	Temporary bool
	Err       error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth failed for account %s", e.AccountID)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ReconnectRequired reports whether the user must reconnect the account.
func (e *AuthError) ReconnectRequired() bool {
	return !e.Temporary
}

// FetchError reports a page request that failed for a reason other than token expiry.
type FetchError struct {
	Page   int
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch page %d", e.Page)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError reports a remote record that cannot be normalized. Such
// records are skipped and counted.
type ValidationError struct {
	ActivityID int64
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("activity %d: %s %s", e.ActivityID, e.Field, e.Reason)
}

// SyncError wraps the failure that aborted a sync pass.
type SyncError struct {
	AccountID string
	Stage     string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s failed at %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
