package httphandler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httphandler "github.com/ericfisherdev/ledgerkeep/internal/adapter/driving/http"
	"github.com/ericfisherdev/ledgerkeep/internal/application"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// --- Stub services ---

type stubProvisioner struct {
	cred        model.Credential
	err         error
	gotIdentity string
	gotPassword string
	gotRole     model.Role
}

func (s *stubProvisioner) Provision(_ context.Context, identity, password string, role model.Role) (model.Credential, error) {
	s.gotIdentity, s.gotPassword, s.gotRole = identity, password, role
	return s.cred, s.err
}

type stubSigner struct {
	receipt model.Receipt
	err     error
	gotTx   []byte
}

func (s *stubSigner) Sign(_ context.Context, _, _ string, unsignedTx []byte) (model.Receipt, error) {
	s.gotTx = unsignedTx
	return s.receipt, s.err
}

type stubRotator struct {
	cred model.Credential
	err  error
}

func (s *stubRotator) Rotate(_ context.Context, _, _, _ string) (model.Credential, error) {
	return s.cred, s.err
}

type stubAuth struct {
	cred  model.Credential
	token string
	err   error
}

func (s *stubAuth) Login(_ context.Context, _, _ string) (model.Credential, string, error) {
	return s.cred, s.token, s.err
}

type stubHealth struct {
	report model.HealthReport
}

func (s *stubHealth) Check(_ context.Context) model.HealthReport { return s.report }

type stubReconciler struct {
	report application.ReconcileReport
	err    error
	calls  int
}

func (s *stubReconciler) Trigger(_ context.Context) (application.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

// stubTokens maps bearer tokens to roles.
type stubTokens map[string]model.Role

func (s stubTokens) VerifyRole(token string) (model.Role, error) {
	role, ok := s[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return role, nil
}

// --- Test helpers ---

var (
	testTime    = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	testTimeStr = "2026-02-10T12:00:00Z"
)

func testCredential() model.Credential {
	return model.Credential{
		Identity:         "alice@x.com",
		PasswordVerifier: "$2a$10$verifier",
		Role:             model.RoleInvestor,
		LedgerAccountID:  "0.0.1001",
		LedgerAddress:    "0x00000000000000000000000000000000000003e9",
		Envelope: model.KeyEnvelope{
			CipherText: []byte("sealed-key-bytes"),
			Salt:       []byte("salt"),
			Nonce:      []byte("nonce"),
		},
		Version:   1,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

type services struct {
	prov   *stubProvisioner
	signer *stubSigner
	rot    *stubRotator
	auth   *stubAuth
	health *stubHealth
	recon  *stubReconciler
	tokens stubTokens
}

func newServices() *services {
	return &services{
		prov:   &stubProvisioner{cred: testCredential()},
		signer: &stubSigner{},
		rot:    &stubRotator{cred: testCredential()},
		auth:   &stubAuth{cred: testCredential(), token: "signed.jwt.token"},
		health: &stubHealth{report: model.HealthReport{Status: model.HealthStatusOK, CheckedAt: testTime}},
		recon:  &stubReconciler{},
		tokens: stubTokens{"admin-token": model.RoleAdmin, "investor-token": model.RoleInvestor},
	}
}

func (s *services) mux(withAuth bool) http.Handler {
	var (
		auth   httphandler.Authenticator
		recon  httphandler.Reconciler
		tokens httphandler.TokenVerifier
	)
	if withAuth {
		auth, recon, tokens = s.auth, s.recon, s.tokens
	}
	h := httphandler.NewHandler(s.prov, s.signer, s.rot, auth, s.health, recon, tokens, slog.Default())
	return httphandler.NewServeMux(h, slog.Default())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	err := json.NewDecoder(rec.Body).Decode(v)
	require.NoError(t, err)
}

// --- Tests ---

func TestCreateAccount(t *testing.T) {
	svc := newServices()
	mux := svc.mux(false)

	rec := do(t, mux, http.MethodPost, "/api/v1/accounts",
		`{"identity":"Alice@X.com","password":"correct-horse","role":"issuer"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "Alice@X.com", svc.prov.gotIdentity)
	assert.Equal(t, "correct-horse", svc.prov.gotPassword)
	assert.Equal(t, model.RoleIssuer, svc.prov.gotRole)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "alice@x.com", body["identity"])
	assert.Equal(t, "investor", body["role"])
	assert.Equal(t, "0.0.1001", body["ledger_account_id"])
	assert.Equal(t, "0x00000000000000000000000000000000000003e9", body["ledger_address"])
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, testTimeStr, body["created_at"])

	for _, field := range []string{"envelope", "ciphertext", "password_verifier", "salt", "nonce"} {
		assert.NotContains(t, body, field)
	}
}

func TestCreateAccount_NeverEchoesSecrets(t *testing.T) {
	svc := newServices()
	rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/accounts",
		`{"identity":"alice@x.com","password":"correct-horse"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	raw := rec.Body.String()
	assert.NotContains(t, raw, "correct-horse")
	assert.NotContains(t, raw, "verifier")
	assert.NotContains(t, raw, base64.StdEncoding.EncodeToString([]byte("sealed-key-bytes")))
}

func TestCreateAccount_BadBody(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "malformed json", body: `{"identity":`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"identity":"a@x.com","password":"longenough","admin":true}`, wantStatus: http.StatusBadRequest},
		{name: "trailing data", body: `{"identity":"a@x.com","password":"longenough"} {}`, wantStatus: http.StatusBadRequest},
		{name: "too large", body: `{"identity":"` + strings.Repeat("a", 1<<20) + `"}`, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServices()
			rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/accounts", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			decodeJSON(t, rec, &body)
			assert.Equal(t, "invalid_input", body["code"])
			assert.Empty(t, svc.prov.gotIdentity, "service must not be called")
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:       "invalid input",
			err:        fmt.Errorf("identity: %w", application.ErrInvalidInput),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_input",
		},
		{
			name:       "conflict",
			err:        fmt.Errorf("provision: %w", application.ErrConflict),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name: "orphaned",
			err: &application.OrphanedAccountError{
				Identity: "alice@x.com", AttemptID: "a-1", LedgerAccountID: "0.0.1001", State: model.AttemptStateOrphaned,
			},
			wantStatus: http.StatusConflict,
			wantCode:   "orphaned_ledger_account",
		},
		{
			name:        "authentication",
			err:         application.ErrAuthenticationFailed,
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "invalid_credentials",
			wantMessage: "invalid credentials",
		},
		{
			name:        "decryption",
			err:         application.ErrDecryptionFailed,
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "invalid_credentials",
			wantMessage: "invalid credentials",
		},
		{
			name:       "network",
			err:        fmt.Errorf("create: %w", application.ErrNetworkUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "network_unavailable",
		},
		{
			name:       "ledger rejected",
			err:        fmt.Errorf("create: %w", application.ErrLedgerRejected),
			wantStatus: http.StatusBadGateway,
			wantCode:   "ledger_rejected",
		},
		{
			name:        "internal",
			err:         errors.New("disk on fire: /var/lib/ledgerkeep"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "internal",
			wantMessage: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServices()
			svc.prov.err = tt.err
			rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/accounts",
				`{"identity":"alice@x.com","password":"correct-horse"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			decodeJSON(t, rec, &body)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.Equal(t, application.PublicMessage(tt.err), body["error"])
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, body["error"])
			}
			assert.NotContains(t, body["error"], "/var/lib")
		})
	}
}

func TestServiceErrorMapping_RetryAfterOnNetworkFailure(t *testing.T) {
	svc := newServices()
	svc.signer.err = fmt.Errorf("submit: %w", application.ErrNetworkUnavailable)
	body := fmt.Sprintf(`{"identity":"alice@x.com","password":"correct-horse","transaction_base64":%q}`,
		base64.StdEncoding.EncodeToString([]byte{0x02, 0xf8}))

	rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/transactions/sign", body)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestSignTransaction(t *testing.T) {
	svc := newServices()
	svc.signer.receipt = model.Receipt{
		TransactionID: "0.0.1001@1700000000.000000001",
		Status:        model.ReceiptStatusSuccess,
		AccountID:     "0.0.1001",
		ConsensusAt:   testTime,
	}
	tx := []byte{0x02, 0xf8, 0x6f, 0x82}

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "standard", encoded: base64.StdEncoding.EncodeToString(tx)},
		{name: "raw url", encoded: base64.RawURLEncoding.EncodeToString(tx)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"identity":"alice@x.com","password":"correct-horse","transaction_base64":%q}`, tt.encoded)
			rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/transactions/sign", body)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.True(t, bytes.Equal(tx, svc.signer.gotTx))

			var resp map[string]any
			decodeJSON(t, rec, &resp)
			assert.Equal(t, "0.0.1001@1700000000.000000001", resp["transaction_id"])
			assert.Equal(t, "success", resp["status"])
			assert.Equal(t, "0.0.1001", resp["account_id"])
			assert.Equal(t, testTimeStr, resp["consensus_at"])
		})
	}
}

func TestSignTransaction_InvalidEncoding(t *testing.T) {
	for _, encoded := range []string{"", "not base64!!"} {
		svc := newServices()
		body := fmt.Sprintf(`{"identity":"alice@x.com","password":"correct-horse","transaction_base64":%q}`, encoded)
		rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/transactions/sign", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp map[string]string
		decodeJSON(t, rec, &resp)
		assert.Equal(t, "invalid_transaction", resp["code"])
		assert.Nil(t, svc.signer.gotTx)
	}
}

func TestUpdatePassword(t *testing.T) {
	svc := newServices()
	rotated := testCredential()
	rotated.Version = 2
	svc.rot.cred = rotated

	rec := do(t, svc.mux(false), http.MethodPut, "/api/v1/accounts/password",
		`{"identity":"alice@x.com","current_password":"correct-horse","new_password":"new-pass-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, float64(2), body["version"])
}

func TestUpdatePassword_ConcurrentModification(t *testing.T) {
	svc := newServices()
	svc.rot.err = fmt.Errorf("rotate: %w", application.ErrConcurrentModification)

	rec := do(t, svc.mux(false), http.MethodPut, "/api/v1/accounts/password",
		`{"identity":"alice@x.com","current_password":"correct-horse","new_password":"new-pass-1"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "concurrent_modification", body["code"])
}

func TestCreateSession(t *testing.T) {
	svc := newServices()

	rec := do(t, svc.mux(true), http.MethodPost, "/api/v1/sessions",
		`{"identity":"alice@x.com","password":"correct-horse"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		AccessToken string         `json:"access_token"`
		TokenType   string         `json:"token_type"`
		Account     map[string]any `json:"account"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "signed.jwt.token", body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, "alice@x.com", body.Account["identity"])
}

func TestCreateSession_DisabledWithoutAuthenticator(t *testing.T) {
	svc := newServices()

	rec := do(t, svc.mux(false), http.MethodPost, "/api/v1/sessions",
		`{"identity":"alice@x.com","password":"correct-horse"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		report     model.HealthReport
		wantStatus int
		wantBody   string
	}{
		{
			name: "healthy",
			report: model.HealthReport{
				Status:    model.HealthStatusOK,
				CheckedAt: testTime,
				Checks: []model.HealthCheck{
					{Name: "database", OK: true, Duration: 3 * time.Millisecond},
					{Name: "ledger", OK: true, Duration: 40 * time.Millisecond},
				},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "degraded",
			report: model.HealthReport{
				Status:    model.HealthStatusDegraded,
				CheckedAt: testTime,
				Checks: []model.HealthCheck{
					{Name: "database", OK: true},
					{Name: "ledger", OK: false, Error: "network unavailable"},
				},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServices()
			svc.health.report = tt.report

			rec := do(t, svc.mux(false), http.MethodGet, "/api/v1/health", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body httphandler.HealthResponse
			decodeJSON(t, rec, &body)
			assert.Equal(t, tt.wantBody, body.Status)
			assert.Equal(t, testTimeStr, body.Time)
			assert.Len(t, body.Checks, len(tt.report.Checks))
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	svc := newServices()
	rec := do(t, svc.mux(false), http.MethodGet, "/api/v1/accounts", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type panicProvisioner struct{}

func (panicProvisioner) Provision(context.Context, string, string, model.Role) (model.Credential, error) {
	panic("boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	svc := newServices()
	h := httphandler.NewHandler(panicProvisioner{}, svc.signer, svc.rot, nil, svc.health, nil, nil, slog.Default())
	mux := httphandler.NewServeMux(h, slog.Default())

	rec := do(t, mux, http.MethodPost, "/api/v1/accounts", `{"identity":"alice@x.com","password":"correct-horse"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestID(t *testing.T) {
	svc := newServices()
	mux := svc.mux(false)

	rec := do(t, mux, http.MethodGet, "/api/v1/health", "")
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "7d444840-9dc0-11d1-b245-5ffdce74fad2")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, "7d444840-9dc0-11d1-b245-5ffdce74fad2", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "<script>")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Header().Get("X-Request-ID"))
}

func doBearer(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTriggerReconcile(t *testing.T) {
	svc := newServices()
	svc.recon.report = application.ReconcileReport{MarkedStale: 2, Completed: 1, Unresolved: 3}
	mux := svc.mux(true)

	rec := doBearer(t, mux, "/api/v1/admin/reconcile", "admin-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httphandler.ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.MarkedStale)
	assert.Equal(t, 1, resp.Completed)
	assert.Equal(t, 3, resp.Unresolved)
	assert.Equal(t, 1, svc.recon.calls)
}

func TestTriggerReconcile_RequiresAdminToken(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "unknown token", token: "forged", status: http.StatusUnauthorized},
		{name: "non-admin role", token: "investor-token", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServices()
			rec := doBearer(t, svc.mux(true), "/api/v1/admin/reconcile", tt.token)
			assert.Equal(t, tt.status, rec.Code)
			assert.Zero(t, svc.recon.calls)
		})
	}
}

func TestTriggerReconcile_Failure(t *testing.T) {
	svc := newServices()
	svc.recon.err = errors.New("sqlite: database is locked at /var/lib/ledgerkeep.db")

	rec := doBearer(t, svc.mux(true), "/api/v1/admin/reconcile", "admin-token")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
}

func TestTriggerReconcile_NotRegisteredWithoutLogin(t *testing.T) {
	svc := newServices()
	rec := doBearer(t, svc.mux(false), "/api/v1/admin/reconcile", "admin-token")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
