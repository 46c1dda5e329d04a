package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

var (
	// ErrConflict is returned when an insert would violate the uniqueness of
	// an identity or a ledger account id.
	ErrConflict = errors.New("credential already exists")

	// ErrVersionMismatch is returned by CompareAndSwapEnvelope when the stored
	// version no longer equals the expected one.
	ErrVersionMismatch = errors.New("credential version mismatch")

	// ErrNotFound is returned by mutating operations that target a record
	// that does not exist.
	ErrNotFound = errors.New("not found")
)

// CredentialStore defines the driven port for credential persistence. It is
// the only component allowed to read or write envelope fields at rest.
type CredentialStore interface {
	// FindByIdentity returns the credential for identity, or (nil, nil) if
	// none exists.
	FindByIdentity(ctx context.Context, identity string) (*model.Credential, error)

	// FindByAccountID returns the credential bound to a ledger account id, or
	// (nil, nil) if none exists.
	FindByAccountID(ctx context.Context, accountID string) (*model.Credential, error)

	// InsertIfAbsent persists a new credential. Returns ErrConflict if the
	// identity or the ledger account id is already present.
	InsertIfAbsent(ctx context.Context, cred model.Credential) (model.Credential, error)

	// CompareAndSwapEnvelope atomically replaces the envelope and password
	// verifier and increments the version, but only while the stored version
	// equals expectedVersion. Returns ErrVersionMismatch otherwise, or
	// ErrNotFound if the identity does not exist.
	CompareAndSwapEnvelope(ctx context.Context, identity string, expectedVersion int64, envelope model.KeyEnvelope, verifier string) (model.Credential, error)

	// Delete removes the credential for identity. Deleting a missing identity
	// is not an error.
	Delete(ctx context.Context, identity string) error
}
