package model

import "time"

// ProvisioningAttempt journals one run of account provisioning for an
// identity. It exists so a ledger account created without a committed
// credential is never forgotten.
type ProvisioningAttempt struct {
	ID              string
	Identity        string
	State           AttemptState
	LedgerAccountID string
	LedgerAddress   string
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Unresolved reports whether the attempt still needs an operator or the
// reconciler to look at it before the identity can be provisioned again.
func (a ProvisioningAttempt) Unresolved() bool {
	switch a.State {
	case AttemptStateAccountCreated, AttemptStateOrphaned, AttemptStateStale:
		return true
	default:
		return false
	}
}
