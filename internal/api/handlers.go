// Package api exposes the stored runs and sync controls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"example.com/runsync/internal/auth"
	"example.com/runsync/internal/domain"
)

// SyncService is the orchestrator surface the handlers use.
type SyncService interface {
	Sync(ctx context.Context, accountID string, force bool) (domain.SyncReport, error)
	GetRuns(ctx context.Context, accountID string) ([]domain.NormalizedRun, error)
	State(accountID string) domain.SyncState
	Reconnected(accountID string)
}

// Connector links and unlinks the remote account.
type Connector interface {
	Connect(ctx context.Context, accountID, code string) (domain.Credential, error)
	Disconnect(ctx context.Context, accountID string) error
}

// Handler serves the run sync API.
type Handler struct {
	sync           SyncService
	connector      Connector
	defaultAccount string
	logger         zerolog.Logger
}

// NewHandler builds a Handler. Requests that name no account act on defaultAccount.
func NewHandler(sync SyncService, connector Connector, defaultAccount string, logger zerolog.Logger) *Handler {
	return &Handler{sync: sync, connector: connector, defaultAccount: defaultAccount, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs", h.listRuns)
	mux.HandleFunc("POST /v1/sync", h.triggerSync)
	mux.HandleFunc("GET /v1/sync/status", h.syncStatus)
	mux.HandleFunc("POST /v1/connection", h.connect)
	mux.HandleFunc("DELETE /v1/connection", h.disconnect)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorize(w, r, auth.ScopeRunsRead)
	if !ok {
		return
	}

	runs, err := h.sync.GetRuns(r.Context(), accountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("list runs failed")
		writeError(w, http.StatusInternalServerError, "server_error", "unable to load runs")
		return
	}
	if runs == nil {
		runs = []domain.NormalizedRun{}
	}
	writeJSON(w, http.StatusOK, ListRunsResponse{
		Items: runs,
		Sync:  toSyncStatusView(h.sync.State(accountID)),
	})
}

func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorize(w, r, auth.ScopeRunsSync)
	if !ok {
		return
	}

	report, err := h.sync.Sync(r.Context(), accountID, true)
	if err != nil {
		h.writeSyncError(w, accountID, err)
		return
	}
	status := http.StatusOK
	if report.Status == domain.SyncStatusAlreadySyncing {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorize(w, r, auth.ScopeRunsRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSyncStatusView(h.sync.State(accountID)))
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorize(w, r, auth.ScopeRunsConnect)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	cred, err := h.connector.Connect(r.Context(), accountID, req.Code)
	if err != nil {
		h.writeSyncError(w, accountID, err)
		return
	}
	h.sync.Reconnected(accountID)
	writeJSON(w, http.StatusCreated, ConnectionView{
		AccountID: cred.AccountID,
		AthleteID: cred.AthleteID,
		ExpiresAt: cred.ExpiresAt,
	})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorize(w, r, auth.ScopeRunsConnect)
	if !ok {
		return
	}
	if err := h.connector.Disconnect(r.Context(), accountID); err != nil {
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("disconnect failed")
		writeError(w, http.StatusInternalServerError, "server_error", "unable to disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks the scope and resolves the account the request acts on.
// Tokens bound to an account may only act on that account.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scope string) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return "", false
	}

	requested := strings.TrimSpace(r.URL.Query().Get("account_id"))
	switch {
	case claims.AccountID != "" && requested != "" && requested != claims.AccountID:
		writeError(w, http.StatusForbidden, "forbidden", "token is bound to another account")
		return "", false
	case requested != "":
		return requested, true
	case claims.AccountID != "":
		return claims.AccountID, true
	default:
		return h.defaultAccount, true
	}
}

func (h *Handler) writeSyncError(w http.ResponseWriter, accountID string, err error) {
	var (
		authErr  *domain.AuthError
		fetchErr *domain.FetchError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn().Err(err).Str("account_id", accountID).Msg("sync deadline exceeded")
		writeError(w, http.StatusGatewayTimeout, "timeout", "sync did not finish in time")
	case errors.As(err, &authErr) && authErr.ReconnectRequired():
		h.logger.Warn().Err(err).Str("account_id", accountID).Msg("account needs to be reconnected")
		writeError(w, http.StatusUnauthorized, "reconnect_required", "the remote account must be reconnected")
	case errors.As(err, &authErr):
		h.logger.Warn().Err(err).Str("account_id", accountID).Msg("token endpoint temporarily unavailable")
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "token refresh failed; retry later")
	case errors.As(err, &fetchErr):
		h.logger.Warn().Err(err).Str("account_id", accountID).Msg("remote activity fetch failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "remote activity service failed")
	default:
		h.logger.Error().Err(err).Str("account_id", accountID).Msg("sync failed")
		writeError(w, http.StatusInternalServerError, "server_error", "sync failed")
	}
}

// ListRunsResponse packages stored runs with the sync state that produced them.
type ListRunsResponse struct {
	Items []domain.NormalizedRun `json:"items"`
	Sync  SyncStatusView         `json:"sync"`
}

// SyncStatusView exposes SyncState over the wire.
type SyncStatusView struct {
	AccountID     string             `json:"account_id"`
	LastSyncAt    *time.Time         `json:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time         `json:"last_attempt_at,omitempty"`
	InProgress    bool               `json:"in_progress"`
	LastError     string             `json:"last_error,omitempty"`
	LastReport    *domain.SyncReport `json:"last_report,omitempty"`

	ReconnectRequired bool `json:"reconnect_required"`
}

// ConnectRequest is the payload for POST /v1/connection.
type ConnectRequest struct {
	Code string `json:"code"`
}

// Validate ensures request correctness.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("code is required")
	}
	return nil
}

// ConnectionView describes a stored connection without its tokens.
type ConnectionView struct {
	AccountID string    `json:"account_id"`
	AthleteID int64     `json:"athlete_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toSyncStatusView(state domain.SyncState) SyncStatusView {
	view := SyncStatusView{
		AccountID:  state.AccountID,
		InProgress: state.InProgress,
		LastError:  state.LastError,
		LastReport: state.LastReport,

		ReconnectRequired: state.ReconnectRequired,
	}
	if state.LastSyncAt.Unix() > 0 {
		t := state.LastSyncAt
		view.LastSyncAt = &t
	}
	if !state.LastAttemptAt.IsZero() {
		t := state.LastAttemptAt
		view.LastAttemptAt = &t
	}
	return view
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
