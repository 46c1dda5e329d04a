package model

// Role is the authorization role stored with a credential.
type Role string

const (
	RoleInvestor Role = "investor"
	RoleIssuer   Role = "issuer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleInvestor, RoleIssuer, RoleAdmin:
		return true
	default:
		return false
	}
}

// KDFAlgorithm names the password-based key derivation used for an envelope.
type KDFAlgorithm string

const (
	KDFScrypt   KDFAlgorithm = "scrypt"
	KDFArgon2id KDFAlgorithm = "argon2id"
)

// ReceiptStatus is the finality status reported by the ledger.
type ReceiptStatus string

const (
	ReceiptStatusPending ReceiptStatus = "pending"
	ReceiptStatusSuccess ReceiptStatus = "success"
	ReceiptStatusFailed  ReceiptStatus = "failed"
)

// AttemptState tracks a provisioning attempt through the journal.
type AttemptState string

const (
	AttemptStatePending        AttemptState = "pending"         // Ledger call not yet answered.
	AttemptStateAccountCreated AttemptState = "account_created" // Receipt obtained, credential not yet committed.
	AttemptStateCompleted      AttemptState = "completed"
	AttemptStateAbandoned      AttemptState = "abandoned" // Ledger refused or local preparation failed; nothing created.
	AttemptStateOrphaned       AttemptState = "orphaned"  // Ledger account exists without a credential.
	AttemptStateStale          AttemptState = "stale"     // Pending too long; outcome unknown.
)

// HealthStatus is the aggregate result of a health check.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
)
