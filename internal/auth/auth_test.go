package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "test-issuer"}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":        "user-1",
		"iss":        testConfig.Issuer,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"account_id": "acct",
		"scopes":     []string{ScopeRunsRead, ScopeRunsSync},
	}
}

func TestParseNormalizesClaims(t *testing.T) {
	claims, err := Parse(signToken(t, validClaims()), testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "acct", claims.AccountID)
	require.True(t, claims.HasScope(ScopeRunsRead))
	require.True(t, claims.HasScope(ScopeRunsSync))
	require.False(t, claims.HasScope(ScopeRunsConnect))

	spaced := validClaims()
	spaced["scopes"] = "runs:read  runs:connect"
	claims, err = Parse(signToken(t, spaced), testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeRunsConnect))
}

func TestParseRejectsBadTokens(t *testing.T) {
	_, err := Parse("", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"
	_, err = Parse(signToken(t, wrongIssuer), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err = Parse(signToken(t, expired), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject := validClaims()
	delete(noSubject, "sub")
	_, err = Parse(signToken(t, noSubject), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse(signToken(t, validClaims()), Config{Secret: "other", Issuer: testConfig.Issuer})
	require.ErrorIs(t, err, ErrInvalidToken)

	numericScopes := validClaims()
	numericScopes["scopes"] = 7
	_, err = Parse(signToken(t, numericScopes), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareAttachesClaimsAndSkipsPublicPaths(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, PublicPaths("/healthz", "/metrics")).Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, seen)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_token")

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "acct", seen.AccountID)
}
