// Package ledger implements the LedgerGateway port against the ledger relay's
// JSON HTTP API.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.LedgerGateway = (*Client)(nil)

// maxResponseBytes caps how much of a relay response is read.
const maxResponseBytes = 1 << 20

// Client implements driven.LedgerGateway over HTTP.
type Client struct {
	http        *http.Client
	baseURL     *url.URL
	apiKey      string
	receiptWait time.Duration

	// newBackOff builds the policy used for read-only calls and receipt polling.
	newBackOff func() backoff.BackOff
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	ReceiptWait time.Duration
}

// NewClient creates a ledger relay client with the following transport stack:
//  1. httpcache (final receipts are immutable and served with cache headers)
//  2. net/http default transport
func NewClient(opts Options) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	httpClient := &http.Client{Transport: cacheTransport, Timeout: opts.Timeout}
	return NewClientWithHTTPClient(httpClient, opts.BaseURL, opts.APIKey, opts.ReceiptWait)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, apiKey string, receiptWait time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parsing base URL: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	if receiptWait <= 0 {
		receiptWait = 60 * time.Second
	}

	c := &Client{
		http:        httpClient,
		baseURL:     u,
		apiKey:      apiKey,
		receiptWait: receiptWait,
	}
	c.newBackOff = c.defaultBackOff
	return c, nil
}

func (c *Client) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.receiptWait
	return b
}

type accountRequest struct {
	PublicKey                     string `json:"public_key"`
	InitialBalance                int64  `json:"initial_balance"`
	MaxAutomaticTokenAssociations int    `json:"max_automatic_token_associations"`
}

type accountResponse struct {
	AccountID string      `json:"account_id"`
	Receipt   receiptBody `json:"receipt"`
}

type submitRequest struct {
	AccountID   string `json:"account_id"`
	Hash        string `json:"hash"`
	Transaction string `json:"transaction"`
}

type receiptBody struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	AccountID     string    `json:"account_id"`
	ConsensusAt   time.Time `json:"consensus_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// CreateAccount submits exactly one account-creation request. The POST itself
// is never retried; only the follow-up receipt polling is.
//
// Only a non-2xx answer to the POST or a final failed receipt is reported as
// driven.ErrLedgerRejected. After the relay accepted the request every other
// failure is ambiguous and wraps driven.ErrOutcomeUnknown.
func (c *Client) CreateAccount(ctx context.Context, req model.AccountRequest) (model.AccountCreation, error) {
	body := accountRequest{
		PublicKey:                     hex.EncodeToString(req.PublicKey),
		InitialBalance:                req.InitialBalance,
		MaxAutomaticTokenAssociations: req.MaxAutoTokenAssociations,
	}

	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var resp accountResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/accounts", body, headers, &resp); err != nil {
		return model.AccountCreation{}, fmt.Errorf("create account: %w", err)
	}

	partial := model.AccountCreation{AccountID: resp.AccountID}

	receipt := mapReceipt(resp.Receipt)
	if !receipt.Final() {
		final, err := c.awaitReceipt(ctx, receipt.TransactionID)
		if err != nil {
			return partial, accepted(receipt.TransactionID, err)
		}
		receipt = final
	}

	if receipt.Status == model.ReceiptStatusFailed {
		return model.AccountCreation{}, fmt.Errorf("create account %s: status %s: %w",
			receipt.TransactionID, receipt.Status, driven.ErrLedgerRejected)
	}

	accountID := resp.AccountID
	if accountID == "" {
		accountID = receipt.AccountID
	}
	if accountID == "" {
		return partial, fmt.Errorf("create account %s: success receipt carries no account id: %w",
			receipt.TransactionID, driven.ErrOutcomeUnknown)
	}

	slog.Info("ledger account created", "account_id", accountID, "transaction_id", receipt.TransactionID)

	return model.AccountCreation{AccountID: accountID, Receipt: receipt}, nil
}

// accepted rewrites a failure that happened after the relay accepted an
// account creation. Network errors keep their kind; anything else, including
// a 4xx while polling, becomes driven.ErrOutcomeUnknown and must not read as a
// rejection.
func accepted(transactionID string, err error) error {
	if errors.Is(err, driven.ErrNetworkUnavailable) || errors.Is(err, driven.ErrOutcomeUnknown) {
		return fmt.Errorf("create account %s: %w", transactionID, err)
	}
	return fmt.Errorf("create account %s: %w: %v", transactionID, driven.ErrOutcomeUnknown, err)
}

// SubmitSigned submits a signed transaction and waits for a final receipt.
// A final receipt with status failed is returned without error.
func (c *Client) SubmitSigned(ctx context.Context, tx model.SignedTransaction) (model.Receipt, error) {
	body := submitRequest{
		AccountID:   tx.AccountID,
		Hash:        tx.Hash,
		Transaction: hex.EncodeToString(tx.Raw),
	}

	var resp receiptBody
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions", body, nil, &resp); err != nil {
		return model.Receipt{}, fmt.Errorf("submit transaction %s: %w", tx.Hash, err)
	}

	receipt := mapReceipt(resp)
	if receipt.TransactionID == "" {
		receipt.TransactionID = tx.Hash
	}
	if receipt.Final() {
		return receipt, nil
	}

	receipt, err := c.awaitReceipt(ctx, receipt.TransactionID)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("submit transaction %s: %w", tx.Hash, err)
	}
	return receipt, nil
}

// GetReceipt fetches a receipt, retrying transient failures with backoff.
func (c *Client) GetReceipt(ctx context.Context, transactionID string) (model.Receipt, error) {
	var receipt model.Receipt
	op := func() error {
		r, err := c.fetchReceipt(ctx, transactionID)
		if err != nil {
			if !errors.Is(err, driven.ErrNetworkUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return model.Receipt{}, fmt.Errorf("get receipt %s: %w", transactionID, err)
	}
	return receipt, nil
}

// Ping checks relay reachability via the network status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v1/network/status", nil, nil, nil); err != nil {
		return fmt.Errorf("ping ledger: %w", err)
	}
	return nil
}

// awaitReceipt polls until the receipt is final or the receipt wait elapses.
func (c *Client) awaitReceipt(ctx context.Context, transactionID string) (model.Receipt, error) {
	if transactionID == "" {
		return model.Receipt{}, fmt.Errorf("pending receipt without transaction id: %w", driven.ErrOutcomeUnknown)
	}

	var receipt model.Receipt
	errPending := errors.New("receipt not final")

	op := func() error {
		r, err := c.fetchReceipt(ctx, transactionID)
		if err != nil {
			if errors.Is(err, driven.ErrNetworkUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !r.Final() {
			return errPending
		}
		receipt = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if errors.Is(err, errPending) {
		return model.Receipt{}, fmt.Errorf("receipt %s not final after %s: %w", transactionID, c.receiptWait, driven.ErrNetworkUnavailable)
	}
	if err != nil {
		return model.Receipt{}, err
	}
	return receipt, nil
}

func (c *Client) fetchReceipt(ctx context.Context, transactionID string) (model.Receipt, error) {
	path := "/api/v1/transactions/" + url.PathEscape(transactionID) + "/receipt"

	var body receiptBody
	err := c.do(ctx, http.MethodGet, path, nil, nil, &body)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return model.Receipt{TransactionID: transactionID, Status: model.ReceiptStatusPending}, nil
	}
	if err != nil {
		return model.Receipt{}, err
	}

	receipt := mapReceipt(body)
	if receipt.TransactionID == "" {
		receipt.TransactionID = transactionID
	}
	return receipt, nil
}

// statusError carries a non-2xx relay response.
type statusError struct {
	code    int
	message string
	kind    error
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("relay returned %d: %v", e.code, e.kind)
	}
	return fmt.Sprintf("relay returned %d (%s): %v", e.code, e.message, e.kind)
}

func (e *statusError) Unwrap() error { return e.kind }

// do performs one HTTP round-trip. Transport failures and 5xx/429 responses
// map to driven.ErrNetworkUnavailable; other non-2xx responses map to
// driven.ErrLedgerRejected. A 2xx body that does not decode maps to
// driven.ErrOutcomeUnknown.
func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := *c.baseURL
	u.Path += path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", driven.ErrNetworkUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", driven.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{code: resp.StatusCode, kind: driven.ErrLedgerRejected}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			se.kind = driven.ErrNetworkUnavailable
		}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			se.message = eb.Error
		}
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", driven.ErrOutcomeUnknown, err)
	}
	return nil
}

func mapReceipt(b receiptBody) model.Receipt {
	status := model.ReceiptStatus(strings.ToLower(b.Status))
	switch status {
	case model.ReceiptStatusSuccess, model.ReceiptStatusFailed:
	default:
		status = model.ReceiptStatusPending
	}
	return model.Receipt{
		TransactionID: b.TransactionID,
		Status:        status,
		AccountID:     b.AccountID,
		ConsensusAt:   b.ConsensusAt.UTC(),
	}
}
