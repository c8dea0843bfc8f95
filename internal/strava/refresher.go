package strava

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/observability"
)

// DefaultSafetyMargin is how long before expiry a token is refreshed.
const DefaultSafetyMargin = 5 * time.Minute

// sharedRefreshTimeout bounds a refresh that keeps running after its callers gave up.
const sharedRefreshTimeout = time.Minute

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

type tokenExchanger interface {
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)
	Exchange(ctx context.Context, code string) (TokenResponse, error)
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithSafetyMargin overrides how early tokens are refreshed.
func WithSafetyMargin(margin time.Duration) RefresherOption {
	return func(r *Refresher) {
		if margin >= 0 {
			r.margin = margin
		}
	}
}

// WithRefresherLogger overrides the logger.
func WithRefresherLogger(logger zerolog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = logger
	}
}

// Refresher hands out valid access tokens, refreshing them through the token
// endpoint when they are expired or about to expire. Refreshes for one account
// are serialized and concurrent callers share the in-flight result.
type Refresher struct {
	store  domain.TokenStore
	oauth  tokenExchanger
	margin time.Duration
	logger zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRefresher constructs a Refresher.
func NewRefresher(store domain.TokenStore, oauth tokenExchanger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:  store,
		oauth:  oauth,
		margin: DefaultSafetyMargin,
		logger: zerolog.Nop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidToken returns an access token that is not within the safety margin of expiry.
func (r *Refresher) ValidToken(ctx context.Context, accountID string) (string, error) {
	cred, err := r.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !cred.NeedsRefresh(NowTimeFunc(), r.margin) {
		return cred.AccessToken, nil
	}
	return r.refresh(ctx, accountID, "")
}

// ForceRefresh refreshes after the remote rejected the given access token. When
// another caller already replaced that token the stored one is returned instead.
func (r *Refresher) ForceRefresh(ctx context.Context, accountID, rejected string) (string, error) {
	return r.refresh(ctx, accountID, rejected)
}

// Connect exchanges an authorization code and stores the first credential of the account.
func (r *Refresher) Connect(ctx context.Context, accountID, code string) (domain.Credential, error) {
	if strings.TrimSpace(code) == "" {
		return domain.Credential{}, errors.New("authorization code is required")
	}

	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	resp, err := r.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.Credential{}, withAccount(err, accountID)
	}

	cred := resp.credential(accountID, 0, NowTimeFunc().UTC())
	if err := r.store.PutCredential(ctx, cred); err != nil {
		return domain.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	r.logger.Info().
		Str("account_id", accountID).
		Int64("athlete_id", cred.AthleteID).
		Time("expires_at", cred.ExpiresAt).
		Msg("account connected")
	return cred, nil
}

// Disconnect forgets the credential of the account.
func (r *Refresher) Disconnect(ctx context.Context, accountID string) error {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	return r.store.DeleteCredential(ctx, accountID)
}

func (r *Refresher) refresh(ctx context.Context, accountID, rejected string) (string, error) {
	key := accountID
	if rejected != "" {
		key = accountID + "#" + rejected
	}
	// The shared call outlives any single caller; each caller only stops waiting.
	results := r.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRefreshTimeout)
		defer cancel()

		lock := r.accountLock(accountID)
		lock.Lock()
		defer lock.Unlock()
		return r.refreshLocked(shared, accountID, rejected)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refreshLocked re-reads the credential so a caller that waited on the lock
// picks up the token the previous holder stored.
func (r *Refresher) refreshLocked(ctx context.Context, accountID, rejected string) (string, error) {
	cred, err := r.load(ctx, accountID)
	if err != nil {
		return "", err
	}

	now := NowTimeFunc()
	forced := rejected != ""
	if forced && cred.AccessToken != rejected {
		return cred.AccessToken, nil
	}
	if !forced && !cred.NeedsRefresh(now, r.margin) {
		return cred.AccessToken, nil
	}

	resp, err := r.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		var authErr *domain.AuthError
		if errors.As(err, &authErr) && authErr.Temporary && !forced && !cred.Expired(now) {
			observability.RecordTokenRefresh("degraded")
			r.logger.Warn().
				Err(err).
				Str("account_id", accountID).
				Str("token", domain.TokenPrefix(cred.AccessToken)).
				Time("expires_at", cred.ExpiresAt).
				Msg("token refresh failed transiently; continuing with current token")
			return cred.AccessToken, nil
		}
		observability.RecordTokenRefresh("failed")
		r.logger.Error().Err(err).Str("account_id", accountID).Msg("token refresh failed")
		return "", withAccount(err, accountID)
	}

	next := resp.credential(accountID, cred.AthleteID, now.UTC())
	if err := r.store.PutCredential(ctx, next); err != nil {
		observability.RecordTokenRefresh("failed")
		return "", fmt.Errorf("store refreshed credential: %w", err)
	}

	observability.RecordTokenRefresh("refreshed")
	r.logger.Info().
		Str("account_id", accountID).
		Str("token", domain.TokenPrefix(next.AccessToken)).
		Time("expires_at", next.ExpiresAt).
		Bool("forced", forced).
		Msg("access token refreshed")
	return next.AccessToken, nil
}

func (r *Refresher) load(ctx context.Context, accountID string) (*domain.Credential, error) {
	cred, err := r.store.GetCredential(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, &domain.AuthError{AccountID: accountID, Err: domain.ErrNotConnected}
	}
	return cred, nil
}

func (r *Refresher) accountLock(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[accountID] = lock
	}
	return lock
}

func withAccount(err error, accountID string) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) && authErr.AccountID == "" {
		authErr.AccountID = accountID
	}
	return err
}
