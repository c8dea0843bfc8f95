package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"example.com/runsync/internal/domain"
	"example.com/runsync/internal/observability"
)

// Pagination limits.
const (
	MaxPageSize     = 200
	DefaultPageCap  = 20
	activitiesPath  = "/athlete/activities"
	maxPageBodySize = 32 << 20
)

// TokenProvider supplies bearer tokens for page requests.
type TokenProvider interface {
	ValidToken(ctx context.Context, accountID string) (string, error)
	ForceRefresh(ctx context.Context, accountID, rejected string) (string, error)
}

// FetchResult holds the records of a completed walk.
type FetchResult struct {
	Activities []domain.RawActivity
	Pages      int
	// Partial is set when the page cap was reached before an empty page.
	Partial bool
}

// FetcherConfig tunes pagination.
type FetcherConfig struct {
	BaseURL  string
	PageSize int
	PageCap  int
	Timeout  time.Duration
}

// Fetcher walks the remote activities endpoint page by page.
type Fetcher struct {
	baseURL  string
	pageSize int
	pageCap  int
	base     http.RoundTripper
	timeout  time.Duration
	tokens   TokenProvider
	logger   zerolog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger overrides the logger.
func WithFetcherLogger(logger zerolog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithTransport overrides the base round tripper beneath the bearer transport.
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(f *Fetcher) {
		f.base = rt
	}
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetcherConfig, tokens TokenProvider, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
		pageCap:  cfg.PageCap,
		timeout:  cfg.Timeout,
		base:     http.DefaultTransport,
		tokens:   tokens,
		logger:   zerolog.Nop(),
	}
	if f.pageSize <= 0 || f.pageSize > MaxPageSize {
		f.pageSize = MaxPageSize
	}
	if f.pageCap <= 0 {
		f.pageCap = DefaultPageCap
	}
	if f.timeout <= 0 {
		f.timeout = 15 * time.Second
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAllRaw collects every page for the account in server order. A non-empty
// kind keeps only records of that type. Nothing is returned on error; the
// caller never sees a prefix of the walk.
func (f *Fetcher) FetchAllRaw(ctx context.Context, accountID, kind string) (FetchResult, error) {
	source := &accountTokenSource{ctx: ctx, accountID: accountID, provider: f.tokens}
	client := &http.Client{
		Timeout:   f.timeout,
		Transport: &oauth2.Transport{Source: source, Base: f.base},
	}

	var result FetchResult
	for page := 1; page <= f.pageCap; page++ {
		if err := ctx.Err(); err != nil {
			return FetchResult{}, &domain.FetchError{Page: page, Err: err}
		}

		items, err := f.fetchPage(ctx, client, source, accountID, page)
		if err != nil {
			return FetchResult{}, err
		}
		result.Pages = page
		observability.RecordPageFetched()

		if len(items) == 0 {
			f.logger.Debug().Str("account_id", accountID).Int("pages", page).Msg("activity walk complete")
			return filterKind(result, kind), nil
		}
		result.Activities = append(result.Activities, items...)
	}

	result.Partial = true
	f.logger.Warn().
		Str("account_id", accountID).
		Int("page_cap", f.pageCap).
		Int("activities", len(result.Activities)).
		Msg("page cap reached before the remote signaled the last page")
	return filterKind(result, kind), nil
}

// fetchPage issues one page request. A 401 forces one token refresh and one
// retry; a network error or 5xx is retried once.
func (f *Fetcher) fetchPage(ctx context.Context, client *http.Client, source *accountTokenSource, accountID string, page int) ([]domain.RawActivity, error) {
	refreshed, retried := false, false
	for {
		items, status, err := f.getPage(ctx, client, page)
		switch {
		case err == nil:
			return items, nil
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			rejected := source.Last()
			f.logger.Info().Str("account_id", accountID).Int("page", page).Str("token", domain.TokenPrefix(rejected)).Msg("page rejected; forcing token refresh")
			if _, refreshErr := f.tokens.ForceRefresh(ctx, accountID, rejected); refreshErr != nil {
				return nil, refreshErr
			}
		case status == http.StatusUnauthorized:
			return nil, &domain.AuthError{AccountID: accountID, Status: status, Err: err}
		case retryable(status, err) && !retried:
			retried = true
			f.logger.Warn().Err(err).Str("account_id", accountID).Int("page", page).Msg("page request failed; retrying once")
		default:
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				return nil, authErr
			}
			var fetchErr *domain.FetchError
			if errors.As(err, &fetchErr) {
				return nil, fetchErr
			}
			return nil, &domain.FetchError{Page: page, Status: status, Err: err}
		}
	}
}

func (f *Fetcher) getPage(ctx context.Context, client *http.Client, page int) ([]domain.RawActivity, int, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(f.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+activitiesPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, resp.StatusCode, &domain.FetchError{Page: page, Status: resp.StatusCode, Body: string(body)}
	}

	var items []domain.RawActivity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBodySize)).Decode(&items); err != nil {
		return nil, resp.StatusCode, &domain.FetchError{Page: page, Status: resp.StatusCode, Err: fmt.Errorf("decode page: %w", err)}
	}
	return items, resp.StatusCode, nil
}

func retryable(status int, err error) bool {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return status == 0 || status >= 500
}

func filterKind(result FetchResult, kind string) FetchResult {
	if kind == "" {
		return result
	}
	kept := make([]domain.RawActivity, 0, len(result.Activities))
	for _, activity := range result.Activities {
		if activity.Type == kind {
			kept = append(kept, activity)
		}
	}
	result.Activities = kept
	return result
}

// accountTokenSource adapts a TokenProvider to oauth2.TokenSource for one walk
// and remembers the last token it handed out.
type accountTokenSource struct {
	ctx       context.Context
	accountID string
	provider  TokenProvider

	mu   sync.Mutex
	last string
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.provider.ValidToken(s.ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = token
	s.mu.Unlock()
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

// Last returns the token attached to the most recent request.
func (s *accountTokenSource) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
