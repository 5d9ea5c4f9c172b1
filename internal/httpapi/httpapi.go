package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	limitermemory "github.com/ulule/limiter/v3/drivers/store/memory"

	"retailsync/internal/domain"
	"retailsync/internal/logger"
	"retailsync/internal/notifier"
	"retailsync/internal/remote"
	"retailsync/internal/replication"
	"retailsync/internal/service"
	"retailsync/internal/store"
)

const wsPath = "/api/v1/sync/ws"

type API struct {
	service       *service.Service
	auth          *AuthManager
	status        *notifier.Notifier
	hub           *notifier.Hub
	allowedOrigin string
	loginLimiter  *limiter.Limiter
	csrfSecret    []byte
	log           zerolog.Logger
}

// New builds the API. status and hub may be nil when replication is not
// configured; the sync status then reports every store idle and the
// websocket route answers 503.
func New(svc *service.Service, auth *AuthManager, status *notifier.Notifier, hub *notifier.Hub, allowedOrigin string) *API {
	if status == nil {
		status = notifier.New(true, domain.AllStores)
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	rate, err := limiter.NewRateFromFormatted("5-M")
	if err != nil {
		rate = limiter.Rate{Period: time.Minute, Limit: 5}
	}
	return &API{
		service:       svc,
		auth:          auth,
		status:        status,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		loginLimiter:  limiter.New(limitermemory.NewStore(), rate),
		csrfSecret:    csrfSecret,
		log:           logger.WithComponent("http"),
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts tokens of the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(a.requireAuth)

	api.HandleFunc("/branches", a.handleListBranches).Methods(http.MethodGet)
	api.HandleFunc("/branches", a.handleCreateBranch).Methods(http.MethodPost)
	api.HandleFunc("/branches/{id}", a.handleGetBranch).Methods(http.MethodGet)
	api.HandleFunc("/branches/{id}", a.handleUpdateBranch).Methods(http.MethodPut)
	api.HandleFunc("/branches/{id}", a.handleDeleteBranch).Methods(http.MethodDelete)

	branch := api.PathPrefix("/branches/{branchId}").Subrouter()
	branch.HandleFunc("/departments", a.handleListDepartments).Methods(http.MethodGet)
	branch.HandleFunc("/departments", a.handleCreateDepartment).Methods(http.MethodPost)
	branch.HandleFunc("/departments/{id}", a.handleGetDepartment).Methods(http.MethodGet)
	branch.HandleFunc("/departments/{id}", a.handleUpdateDepartment).Methods(http.MethodPut)
	branch.HandleFunc("/departments/{id}", a.handleDeleteDepartment).Methods(http.MethodDelete)

	branch.HandleFunc("/categories", a.handleListCategories).Methods(http.MethodGet)
	branch.HandleFunc("/categories", a.handleCreateCategory).Methods(http.MethodPost)
	branch.HandleFunc("/categories/{id}", a.handleGetCategory).Methods(http.MethodGet)
	branch.HandleFunc("/categories/{id}", a.handleUpdateCategory).Methods(http.MethodPut)
	branch.HandleFunc("/categories/{id}", a.handleDeleteCategory).Methods(http.MethodDelete)

	branch.HandleFunc("/items", a.handleListItems).Methods(http.MethodGet)
	branch.HandleFunc("/items", a.handleCreateItem).Methods(http.MethodPost)
	branch.HandleFunc("/items/{id}", a.handleGetItem).Methods(http.MethodGet)
	branch.HandleFunc("/items/{id}", a.handleUpdateItem).Methods(http.MethodPut)
	branch.HandleFunc("/items/{id}", a.handleDeleteItem).Methods(http.MethodDelete)

	branch.HandleFunc("/transactions", a.handleListTransactions).Methods(http.MethodGet)
	branch.HandleFunc("/transactions", a.handleRecordSale).Methods(http.MethodPost)
	branch.HandleFunc("/transactions/{id}", a.handleGetTransaction).Methods(http.MethodGet)

	branch.HandleFunc("/returns", a.handleListReturns).Methods(http.MethodGet)
	branch.HandleFunc("/returns", a.handleRecordReturn).Methods(http.MethodPost)
	branch.HandleFunc("/returns/{id}", a.handleGetReturn).Methods(http.MethodGet)

	branch.HandleFunc("/expenses", a.handleListExpenses).Methods(http.MethodGet)
	branch.HandleFunc("/expenses", a.handleCreateExpense).Methods(http.MethodPost)
	branch.HandleFunc("/expenses/{id}", a.handleGetExpense).Methods(http.MethodGet)
	branch.HandleFunc("/expenses/{id}", a.handleUpdateExpense).Methods(http.MethodPut)
	branch.HandleFunc("/expenses/{id}", a.handleDeleteExpense).Methods(http.MethodDelete)

	branch.HandleFunc("/reports", a.handleListReports).Methods(http.MethodGet)
	branch.HandleFunc("/reports", a.handleGenerateReport).Methods(http.MethodPost)
	branch.HandleFunc("/reports/{id}", a.handleGetReport).Methods(http.MethodGet)

	branch.HandleFunc("/logs", a.handleListLogs).Methods(http.MethodGet)

	api.HandleFunc("/items", a.handleListAllItems).Methods(http.MethodGet)

	api.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", a.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", a.handleUpdateUser).Methods(http.MethodPatch)
	api.HandleFunc("/users/{id}", a.handleDeleteUser).Methods(http.MethodDelete)

	api.HandleFunc("/sync/status", a.handleSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", a.handleSyncNow).Methods(http.MethodPost)
	api.HandleFunc("/sync/ws", a.handleSyncWS).Methods(http.MethodGet)

	return a.withMiddleware(r)
}

// requireAuth resolves the bearer token into the request's actor. Browsers
// cannot set headers on websocket upgrades, so the sync stream also accepts
// the token as the access_token query parameter.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		switch {
		case strings.HasPrefix(strings.ToLower(authorization), "bearer "):
			token = strings.TrimSpace(authorization[len("Bearer "):])
		case r.URL.Path == wsPath:
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	limit, err := a.loginLimiter.Get(r.Context(), clientKey(r))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if limit.Reached {
		w.Header().Set("Retry-After", strconv.FormatInt(max(limit.Reset-time.Now().Unix(), 1), 10))
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// Login is called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
				r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
			}
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(startedAt)).Msg("request")
	})
}

// statusFor maps service errors onto HTTP status codes and stable error
// codes for clients.
func statusFor(err error) (int, string) {
	var syncErr *replication.SyncError
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusBadRequest, "insufficient_stock"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, replication.ErrOffline):
		return http.StatusServiceUnavailable, "offline"
	case errors.Is(err, service.ErrSyncDisabled):
		return http.StatusServiceUnavailable, "sync_disabled"
	case errors.Is(err, remote.ErrUnauthorized):
		return http.StatusBadGateway, "remote_unauthorized"
	case errors.As(err, &syncErr):
		return http.StatusBadGateway, "sync_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status, body := a.serviceErrorBody(err)
	writeJSON(w, status, body)
}

// serviceErrorBody maps err to a status and JSON body. Unexpected failures
// are logged and hidden behind a generic message. Replication failures are
// reported as is so the operator can tell a rejected login from a dead link.
func (a *API) serviceErrorBody(err error) (int, map[string]any) {
	var partial *service.PartialReconciliationError
	if errors.As(err, &partial) {
		a.log.Error().Err(err).Str("op", partial.Op).Str("document", partial.DocumentID).Msg("partial reconciliation")
		return http.StatusInternalServerError, map[string]any{
			"error":      partial.Op + " was only partially applied",
			"code":       "partial_reconciliation",
			"documentId": partial.DocumentID,
			"applied":    partial.Applied,
			"failed":     partial.Failed,
		}
	}
	status, code := statusFor(err)
	if status == http.StatusBadGateway {
		a.log.Warn().Err(err).Str("code", code).Msg("replication failed")
		return status, map[string]any{"error": err.Error(), "code": code}
	}
	if status >= 500 && status != http.StatusServiceUnavailable {
		a.log.Error().Err(err).Int("status", status).Msg("request failed")
		return status, map[string]any{"error": "internal server error", "code": code}
	}
	return status, map[string]any{"error": err.Error(), "code": code}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		a.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError keeps 5xx messages generic so internals do not leak.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
