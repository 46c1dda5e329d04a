package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

var (
	// ErrNetworkUnavailable is returned when the ledger could not be reached
	// or answered with a transient failure.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrLedgerRejected is returned when the ledger definitively refused a
	// request.
	ErrLedgerRejected = errors.New("ledger rejected request")

	// ErrOutcomeUnknown is returned when the ledger accepted a request but
	// its result could not be established. The request may have taken effect.
	ErrOutcomeUnknown = errors.New("ledger outcome unknown")
)

// LedgerGateway defines the driven port for the remote ledger network. A
// single instance is constructed at startup and shared read-only afterwards.
// Timeouts and transport retries belong to the implementation.
type LedgerGateway interface {
	// CreateAccount submits an account-creation transaction for the given
	// public key and blocks until a finality receipt is available. It is
	// never retried internally once the request has been sent.
	//
	// ErrLedgerRejected means no account was created. Once the request was
	// accepted, any other failure wraps ErrOutcomeUnknown or
	// ErrNetworkUnavailable, and the returned AccountCreation carries the
	// account id if the ledger already reported one.
	CreateAccount(ctx context.Context, req model.AccountRequest) (model.AccountCreation, error)

	// SubmitSigned submits a signed transaction and blocks until its receipt
	// is final.
	SubmitSigned(ctx context.Context, tx model.SignedTransaction) (model.Receipt, error)

	// GetReceipt fetches the receipt for a transaction id. Read-only; safe to
	// retry.
	GetReceipt(ctx context.Context, transactionID string) (model.Receipt, error)

	// Ping verifies that the ledger is reachable.
	Ping(ctx context.Context) error
}
