// Package httphandler is the HTTP driving adapter for the custody services.
package httphandler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// Provisioner registers new identities.
type Provisioner interface {
	Provision(ctx context.Context, identity, password string, role model.Role) (model.Credential, error)
}

// Signer signs transactions with a custodied key.
type Signer interface {
	Sign(ctx context.Context, identity, password string, unsignedTx []byte) (model.Receipt, error)
}

// Rotator changes the password protecting a custodied key.
type Rotator interface {
	Rotate(ctx context.Context, identity, currentPassword, newPassword string) (model.Credential, error)
}

// Authenticator exchanges a password for an access token.
type Authenticator interface {
	Login(ctx context.Context, identity, password string) (model.Credential, string, error)
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) model.HealthReport
}

// Reconciler runs an on-demand reconciliation pass.
type Reconciler interface {
	Trigger(ctx context.Context) (application.ReconcileReport, error)
}

// TokenVerifier validates a bearer token and returns the role it grants.
type TokenVerifier interface {
	VerifyRole(token string) (model.Role, error)
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	provisioner Provisioner
	signer      Signer
	rotator     Rotator
	auth        Authenticator
	health      HealthChecker
	reconciler  Reconciler
	tokens      TokenVerifier
	logger      *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. auth may be
// nil, in which case the session endpoint is not registered. The admin
// reconcile endpoint needs both reconciler and tokens.
func NewHandler(
	provisioner Provisioner,
	signer Signer,
	rotator Rotator,
	auth Authenticator,
	health HealthChecker,
	reconciler Reconciler,
	tokens TokenVerifier,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provisioner: provisioner,
		signer:      signer,
		rotator:     rotator,
		auth:        auth,
		health:      health,
		reconciler:  reconciler,
		tokens:      tokens,
		logger:      logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/accounts", h.CreateAccount)
	mux.HandleFunc("PUT /api/v1/accounts/password", h.UpdatePassword)
	mux.HandleFunc("POST /api/v1/transactions/sign", h.SignTransaction)
	if h.auth != nil {
		mux.HandleFunc("POST /api/v1/sessions", h.CreateSession)
	}
	if h.reconciler != nil && h.tokens != nil {
		mux.HandleFunc("POST /api/v1/admin/reconcile", h.TriggerReconcile)
	}
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = noStoreMiddleware(wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// CreateAccount provisions a ledger account and credential.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred, err := h.provisioner.Provision(r.Context(), req.Identity, req.Password, model.Role(req.Role))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(cred))
}

// CreateSession logs in and returns an access token.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred, token, err := h.auth.Login(r.Context(), req.Identity, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		Account:     toAccountResponse(cred),
	})
}

// SignTransaction signs and submits a base64-encoded unsigned transaction.
func (h *Handler) SignTransaction(w http.ResponseWriter, r *http.Request) {
	var req SignTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	raw, err := decodeBase64(req.TransactionBase64)
	if err != nil || len(raw) == 0 {
		writeErrorCode(w, http.StatusBadRequest, application.KindInvalidTransaction.String(), "transaction_base64 must be non-empty base64")
		return
	}

	receipt, err := h.signer.Sign(r.Context(), req.Identity, req.Password, raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

// UpdatePassword rotates the password protecting the caller's key.
func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req UpdatePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	cred, err := h.rotator.Rotate(r.Context(), req.Identity, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountResponse(cred))
}

// Health returns dependency health; 503 when any check fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())

	status := http.StatusOK
	if report.Status != model.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, toHealthResponse(report))
}

// TriggerReconcile runs a reconciliation pass for an admin caller and returns
// its report.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, model.RoleAdmin) {
		return
	}

	report, err := h.reconciler.Trigger(r.Context())
	if err != nil {
		h.logger.Error("manual reconcile failed", "error", err)
		writeErrorCode(w, http.StatusServiceUnavailable, application.KindNetworkUnavailable.String(), "reconcile unavailable")
		return
	}

	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// requireRole checks the bearer token, writing a 401 or 403 on failure.
func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, role model.Role) bool {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeErrorCode(w, http.StatusUnauthorized, application.KindAuthenticationFailed.String(), "bearer token required")
		return false
	}

	got, err := h.tokens.VerifyRole(strings.TrimSpace(token))
	if err != nil {
		h.logger.Warn("bearer token rejected", "path", r.URL.Path, "error", err)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeErrorCode(w, http.StatusUnauthorized, application.KindAuthenticationFailed.String(), "invalid bearer token")
		return false
	}
	if got != role {
		writeErrorCode(w, http.StatusForbidden, "forbidden", "insufficient role")
		return false
	}
	return true
}

// decode reads a size-limited JSON body into v, writing a 400 or 413 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := decodeJSON(w, r, v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, application.KindInvalidInput.String(), "request body too large")
		return false
	}
	writeErrorCode(w, http.StatusBadRequest, application.KindInvalidInput.String(), "invalid request body")
	return false
}

// writeServiceError maps an application error to a status code and a public
// message.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := application.KindOf(err)
	status := statusForKind(kind)

	if status >= http.StatusInternalServerError && kind != application.KindNetworkUnavailable {
		h.logger.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	} else {
		h.logger.Warn("request rejected", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}

	if kind == application.KindNetworkUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeErrorCode(w, status, kind.String(), application.PublicMessage(err))
}

func statusForKind(kind application.ErrorKind) int {
	switch kind {
	case application.KindInvalidInput, application.KindInvalidTransaction:
		return http.StatusBadRequest
	case application.KindAuthenticationFailed, application.KindDecryptionFailed:
		return http.StatusUnauthorized
	case application.KindConflict, application.KindOrphanedLedgerAccount, application.KindConcurrentModification:
		return http.StatusConflict
	case application.KindNetworkUnavailable:
		return http.StatusServiceUnavailable
	case application.KindLedgerRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBase64 accepts standard or URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}
