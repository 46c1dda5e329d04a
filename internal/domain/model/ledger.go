package model

import "time"

// AccountRequest asks the ledger to create a new account controlled by
// PublicKey. IdempotencyKey lets the ledger relay collapse duplicate
// submissions of the same provisioning attempt.
type AccountRequest struct {
	PublicKey                []byte
	InitialBalance           int64
	MaxAutoTokenAssociations int
	IdempotencyKey           string
}

// AccountCreation is the ledger's answer to an AccountRequest once the
// creating transaction reached finality.
type AccountCreation struct {
	AccountID string
	Receipt   Receipt
}

// SignedTransaction is a fully signed ledger transaction ready for submission.
// Raw must never be logged.
type SignedTransaction struct {
	AccountID string
	Hash      string
	From      string
	Raw       []byte
}

// Receipt confirms that a submitted transaction reached finality.
type Receipt struct {
	TransactionID string
	Status        ReceiptStatus
	AccountID     string
	ConsensusAt   time.Time
}

// Final reports whether the receipt carries a terminal status.
func (r Receipt) Final() bool {
	return r.Status == ReceiptStatusSuccess || r.Status == ReceiptStatusFailed
}
