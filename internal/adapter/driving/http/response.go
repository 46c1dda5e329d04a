package httphandler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error","code":"internal"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: "internal"})
}

// writeErrorCode writes a JSON error response carrying a machine-readable code.
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// decodeJSON decodes exactly one JSON object from a size-limited body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateAccountRequest is the JSON body for the registration endpoint.
type CreateAccountRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// CreateSessionRequest is the JSON body for the login endpoint.
type CreateSessionRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

// SignTransactionRequest is the JSON body for the sign endpoint.
type SignTransactionRequest struct {
	Identity          string `json:"identity"`
	Password          string `json:"password"`
	TransactionBase64 string `json:"transaction_base64"`
}

// UpdatePasswordRequest is the JSON body for the password-update endpoint.
type UpdatePasswordRequest struct {
	Identity        string `json:"identity"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AccountResponse is the public view of a credential. Envelope fields and
// the password verifier are never included.
type AccountResponse struct {
	Identity        string `json:"identity"`
	Role            string `json:"role"`
	LedgerAccountID string `json:"ledger_account_id"`
	LedgerAddress   string `json:"ledger_address"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// SessionResponse is returned by the login endpoint.
type SessionResponse struct {
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	Account     AccountResponse `json:"account"`
}

// ReceiptResponse is the JSON representation of a ledger receipt.
type ReceiptResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AccountID     string `json:"account_id"`
	ConsensusAt   string `json:"consensus_at,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string                `json:"status"`
	Time   string                `json:"time"`
	Checks []HealthCheckResponse `json:"checks"`
}

// HealthCheckResponse is one probed dependency.
type HealthCheckResponse struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ReconcileResponse reports the outcome of a manual reconciliation pass.
type ReconcileResponse struct {
	MarkedStale    int `json:"marked_stale"`
	Completed      int `json:"completed"`
	Orphaned       int `json:"orphaned"`
	Pending        int `json:"pending"`
	AwaitingCommit int `json:"awaiting_commit"`
	Unresolved     int `json:"unresolved"`
}

func toAccountResponse(cred model.Credential) AccountResponse {
	return AccountResponse{
		Identity:        cred.Identity,
		Role:            string(cred.Role),
		LedgerAccountID: cred.LedgerAccountID,
		LedgerAddress:   cred.LedgerAddress,
		Version:         cred.Version,
		CreatedAt:       formatTime(cred.CreatedAt),
		UpdatedAt:       formatTime(cred.UpdatedAt),
	}
}

func toReceiptResponse(r model.Receipt) ReceiptResponse {
	return ReceiptResponse{
		TransactionID: r.TransactionID,
		Status:        string(r.Status),
		AccountID:     r.AccountID,
		ConsensusAt:   formatTime(r.ConsensusAt),
	}
}

func toHealthResponse(report model.HealthReport) HealthResponse {
	checks := make([]HealthCheckResponse, 0, len(report.Checks))
	for _, c := range report.Checks {
		checks = append(checks, HealthCheckResponse{
			Name:       c.Name,
			OK:         c.OK,
			Error:      c.Error,
			DurationMS: c.Duration.Milliseconds(),
		})
	}
	return HealthResponse{
		Status: string(report.Status),
		Time:   formatTime(report.CheckedAt),
		Checks: checks,
	}
}

func toReconcileResponse(r application.ReconcileReport) ReconcileResponse {
	return ReconcileResponse{
		MarkedStale:    r.MarkedStale,
		Completed:      r.Completed,
		Orphaned:       r.Orphaned,
		Pending:        r.Pending,
		AwaitingCommit: r.AwaitingCommit,
		Unresolved:     r.Unresolved,
	}
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
