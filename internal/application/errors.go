package application

import (
	"errors"
	"fmt"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// Error taxonomy returned by the custody services. Callers classify errors
// with errors.Is or KindOf.
var (
	ErrConflict               = errors.New("identity already provisioned")
	ErrOrphanedLedgerAccount  = errors.New("orphaned ledger account")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrDecryptionFailed       = errors.New("decryption failed")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrNetworkUnavailable     = errors.New("ledger network unavailable")
	ErrLedgerRejected         = errors.New("ledger rejected request")
	ErrInvalidInput           = errors.New("invalid input")
)

// OrphanedAccountError reports a ledger account that exists, or may exist,
// without a committed credential. It matches ErrOrphanedLedgerAccount.
type OrphanedAccountError struct {
	Identity        string
	AttemptID       string
	LedgerAccountID string // Empty when the ledger outcome is unknown.
	State           model.AttemptState
	Err             error
}

func (e *OrphanedAccountError) Error() string {
	msg := fmt.Sprintf("orphaned ledger account for %q (attempt %s, state %s", e.Identity, e.AttemptID, e.State)
	if e.LedgerAccountID != "" {
		msg += ", account " + e.LedgerAccountID
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrphanedAccountError) Is(target error) bool { return target == ErrOrphanedLedgerAccount }

func (e *OrphanedAccountError) Unwrap() error { return e.Err }

// ErrorKind classifies an error for transport mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindConflict
	KindOrphanedLedgerAccount
	KindAuthenticationFailed
	KindDecryptionFailed
	KindInvalidTransaction
	KindConcurrentModification
	KindNetworkUnavailable
	KindLedgerRejected
)

// String returns the machine-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindOrphanedLedgerAccount:
		return "orphaned_ledger_account"
	case KindAuthenticationFailed, KindDecryptionFailed:
		return "invalid_credentials"
	case KindInvalidTransaction:
		return "invalid_transaction"
	case KindConcurrentModification:
		return "concurrent_modification"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindLedgerRejected:
		return "ledger_rejected"
	default:
		return "internal"
	}
}

// KindOf classifies err. Orphaned accounts are checked first because an
// OrphanedAccountError may wrap a store or ledger cause.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrOrphanedLedgerAccount):
		return KindOrphanedLedgerAccount
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrDecryptionFailed):
		return KindDecryptionFailed
	case errors.Is(err, ErrInvalidTransaction):
		return KindInvalidTransaction
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrNetworkUnavailable):
		return KindNetworkUnavailable
	case errors.Is(err, ErrLedgerRejected):
		return KindLedgerRejected
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may safely repeat the operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkUnavailable, KindConcurrentModification:
		return true
	default:
		return false
	}
}

// PublicMessage returns text safe to show an end user. Authentication and
// decryption failures share one message.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindAuthenticationFailed, KindDecryptionFailed:
		return "invalid credentials"
	case KindInvalidInput:
		return err.Error()
	case KindConflict:
		return "identity already provisioned"
	case KindOrphanedLedgerAccount:
		return "a previous provisioning attempt needs operator reconciliation"
	case KindInvalidTransaction:
		return "invalid transaction"
	case KindConcurrentModification:
		return "credential was modified concurrently; retry"
	case KindNetworkUnavailable:
		return "ledger network unavailable; retry later"
	case KindLedgerRejected:
		return "ledger rejected the request"
	default:
		return "internal error"
	}
}
