package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected indicates no credential is stored for the account.
var ErrNotConnected = errors.New("account is not connected")

// Credential is the OAuth token pair of one connected account.
type Credential struct {
	AccountID    string
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// NeedsRefresh reports whether the access token is expired or within margin of expiry.
func (c Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-margin))
}

// Expired reports whether the access token is past its expiry.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenStore persists the credential of each account. Put replaces the whole record.
type TokenStore interface {
	GetCredential(ctx context.Context, accountID string) (*Credential, error)
	PutCredential(ctx context.Context, cred Credential) error
	DeleteCredential(ctx context.Context, accountID string) error
}

// TokenPrefix returns a short, log-safe prefix of a token.
func TokenPrefix(token string) string {
	const visible = 6
	if len(token) <= visible {
		return "***"
	}
	return token[:visible] + "..."
}
