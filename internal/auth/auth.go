// Package auth verifies HS256 bearer tokens and exposes their claims to handlers.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the shared secret and expected issuer of API tokens.
type Config struct {
	Secret string
	Issuer string
}

// Claims is what handlers see of a verified token. AccountID is empty for
// operator tokens that may act on any account.
type Claims struct {
	Subject   string
	AccountID string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken means no bearer token was presented.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every signature, issuer, expiry and shape failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// tokenClaims is the JWT body as issued by the identity service.
type tokenClaims struct {
	jwt.RegisteredClaims
	AccountID string    `json:"account_id,omitempty"`
	Scopes    scopeList `json:"scopes,omitempty"`
}

// scopeList accepts either a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopes: %w", err)
	}
	*s = list
	return nil
}

// Parse verifies token against cfg and returns its claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var body tokenClaims
	_, err := jwt.ParseWithClaims(token, &body,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if body.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}

	claims := &Claims{
		Subject:   body.Subject,
		AccountID: body.AccountID,
		Scopes:    make(map[string]struct{}, len(body.Scopes)),
		ExpiresAt: body.ExpiresAt.Time,
	}
	for _, scope := range body.Scopes {
		if scope != "" {
			claims.Scopes[scope] = struct{}{}
		}
	}
	return claims, nil
}

// HasScope reports whether the token grants scope. A nil receiver grants nothing.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}
