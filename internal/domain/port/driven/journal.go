package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

// ErrAttemptExists is returned by ProvisioningJournal.Begin when an attempt
// for the identity is still pending or unresolved.
var ErrAttemptExists = errors.New("provisioning attempt already exists")

// ProvisioningJournal records provisioning attempts so that a ledger account
// created without a matching credential can always be found again.
type ProvisioningJournal interface {
	// Begin starts a new pending attempt for identity. A previous attempt is
	// replaced only when it is completed or abandoned; otherwise Begin returns
	// that attempt together with ErrAttemptExists.
	Begin(ctx context.Context, identity string) (model.ProvisioningAttempt, error)

	// RecordAccount moves a pending attempt to account_created.
	RecordAccount(ctx context.Context, attemptID, accountID, address string) error

	// Complete marks the attempt completed after the credential is committed.
	Complete(ctx context.Context, attemptID string) error

	// Abandon marks an attempt abandoned. Only valid when no ledger account
	// was created.
	Abandon(ctx context.Context, attemptID, reason string) error

	// MarkOrphaned flags an attempt whose ledger account has no credential.
	MarkOrphaned(ctx context.Context, attemptID, reason string) error

	// Resolve closes an account_created, orphaned or stale attempt for
	// identity after manual reconciliation. Returns ErrNotFound when there is
	// nothing to resolve.
	Resolve(ctx context.Context, identity, reason string) error

	// MarkStale flags every pending attempt last updated before cutoff and
	// returns them.
	MarkStale(ctx context.Context, cutoff time.Time) ([]model.ProvisioningAttempt, error)

	// Get returns the attempt for identity, or (nil, nil) if none exists.
	Get(ctx context.Context, identity string) (*model.ProvisioningAttempt, error)

	// List returns attempts in the given states, oldest first. No states
	// means all attempts.
	List(ctx context.Context, states ...model.AttemptState) ([]model.ProvisioningAttempt, error)
}
