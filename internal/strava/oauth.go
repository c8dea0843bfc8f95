// Package strava talks to the remote activity provider: its OAuth token
// endpoint and its paginated activities endpoint.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/runsync/internal/domain"
)

const maxErrorBody = 4 << 10

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Athlete      struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

// OAuthClient performs the two grants this service needs against the token endpoint.
type OAuthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewOAuthClient constructs a client with a bounded request timeout.
func NewOAuthClient(tokenURL, clientID, clientSecret string, timeout time.Duration) *OAuthClient {
	return &OAuthClient{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Code         string `json:"code,omitempty"`
}

// Refresh exchanges a refresh token for a new credential.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return c.post(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
}

// Exchange trades an authorization code for the first credential of an account.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (TokenResponse, error) {
	return c.post(ctx, tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "authorization_code",
		Code:         code,
	})
}

func (c *OAuthClient) post(ctx context.Context, body tokenRequest) (TokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return TokenResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, &domain.AuthError{Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return TokenResponse{}, &domain.AuthError{
			Status:    resp.StatusCode,
			Body:      string(data),
			Temporary: temporaryStatus(resp.StatusCode),
		}
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenResponse{}, &domain.AuthError{Temporary: true, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.ExpiresAt == 0 {
		return TokenResponse{}, &domain.AuthError{Status: resp.StatusCode, Err: fmt.Errorf("token response missing fields")}
	}
	return out, nil
}

func temporaryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// credential builds the stored record from a token response.
func (r TokenResponse) credential(accountID string, athleteID int64, now time.Time) domain.Credential {
	if r.Athlete.ID != 0 {
		athleteID = r.Athlete.ID
	}
	return domain.Credential{
		AccountID:    accountID,
		AthleteID:    athleteID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    time.Unix(r.ExpiresAt, 0).UTC(),
		UpdatedAt:    now,
	}
}
