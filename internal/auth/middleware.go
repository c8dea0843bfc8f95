package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Skipper reports requests that bypass authentication.
type Skipper func(r *http.Request) bool

// PublicPaths skips authentication for exact path matches.
func PublicPaths(paths ...string) Skipper {
	return func(r *http.Request) bool {
		for _, p := range paths {
			if r.URL.Path == p {
				return true
			}
		}
		return false
	}
}

// Middleware rejects requests without a valid bearer token and attaches the
// claims of those that have one.
type Middleware struct {
	Config  Config
	Skipper Skipper
}

// NewMiddleware constructs a Middleware. skipper may be nil.
func NewMiddleware(cfg Config, skipper Skipper) Middleware {
	return Middleware{Config: cfg, Skipper: skipper}
}

// Wrap guards next. CORS preflight requests always pass through.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || (m.Skipper != nil && m.Skipper(r)) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.authenticate(r)
		if err != nil {
			reject(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) authenticate(r *http.Request) (*Claims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("%w: unsupported authorization scheme", ErrInvalidToken)
	}
	return Parse(token, m.Config)
}

func reject(w http.ResponseWriter, err error) {
	kind := "invalid_token"
	if errors.Is(err, ErrMissingToken) {
		kind = "missing_token"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="runsync", error="`+kind+`"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": kind, "detail": err.Error()})
}
