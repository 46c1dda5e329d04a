package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

const credentialColumns = `id, identity, password_verifier, role, ledger_account_id, ledger_address,
	envelope_format, cipher_text, salt, nonce, kdf_params, version, created_at, updated_at`

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// Envelope fields are stored as opaque blobs; the repository never sees plaintext keys.
type CredentialRepo struct {
	db  *DB
	now func() time.Time
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db, now: time.Now}
}

// FindByIdentity returns the credential for identity, or (nil, nil) if none exists.
func (r *CredentialRepo) FindByIdentity(ctx context.Context, identity string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE identity = ?`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credential %q: %w", identity, err)
	}
	return cred, nil
}

// FindByAccountID returns the credential bound to accountID, or (nil, nil) if none exists.
func (r *CredentialRepo) FindByAccountID(ctx context.Context, accountID string) (*model.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE ledger_account_id = ?`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credential by account %q: %w", accountID, err)
	}
	return cred, nil
}

// InsertIfAbsent persists a new credential at version 0. Returns
// driven.ErrConflict when the identity or ledger account id already exists.
func (r *CredentialRepo) InsertIfAbsent(ctx context.Context, cred model.Credential) (model.Credential, error) {
	kdf, err := json.Marshal(cred.Envelope.KDF)
	if err != nil {
		return model.Credential{}, fmt.Errorf("encode kdf params: %w", err)
	}

	now := r.now()
	query := `
		INSERT INTO credentials (
			identity, password_verifier, role, ledger_account_id, ledger_address,
			envelope_format, cipher_text, salt, nonce, kdf_params, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		RETURNING ` + credentialColumns

	row := r.db.Writer.QueryRowContext(ctx, query,
		cred.Identity, cred.PasswordVerifier, string(cred.Role), cred.LedgerAccountID, cred.LedgerAddress,
		cred.Envelope.Format, cred.Envelope.CipherText, cred.Envelope.Salt, cred.Envelope.Nonce, string(kdf),
		formatTime(now), formatTime(now),
	)

	stored, err := scanCredential(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Credential{}, fmt.Errorf("insert credential %q: %w", cred.Identity, driven.ErrConflict)
		}
		return model.Credential{}, fmt.Errorf("insert credential %q: %w", cred.Identity, err)
	}
	return *stored, nil
}

// CompareAndSwapEnvelope replaces envelope and verifier in a single UPDATE
// guarded by the expected version, so concurrent writers across processes
// cannot both succeed.
func (r *CredentialRepo) CompareAndSwapEnvelope(
	ctx context.Context,
	identity string,
	expectedVersion int64,
	envelope model.KeyEnvelope,
	verifier string,
) (model.Credential, error) {
	kdf, err := json.Marshal(envelope.KDF)
	if err != nil {
		return model.Credential{}, fmt.Errorf("encode kdf params: %w", err)
	}

	query := `
		UPDATE credentials SET
			envelope_format = ?, cipher_text = ?, salt = ?, nonce = ?, kdf_params = ?,
			password_verifier = ?, version = version + 1, updated_at = ?
		WHERE identity = ? AND version = ?
		RETURNING ` + credentialColumns

	row := r.db.Writer.QueryRowContext(ctx, query,
		envelope.Format, envelope.CipherText, envelope.Salt, envelope.Nonce, string(kdf),
		verifier, formatTime(r.now()),
		identity, expectedVersion,
	)

	stored, err := scanCredential(row)
	if err == nil {
		return *stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, fmt.Errorf("swap envelope %q: %w", identity, err)
	}

	var exists bool
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM credentials WHERE identity = ?)`
	if err := r.db.Writer.QueryRowContext(ctx, existsQuery, identity).Scan(&exists); err != nil {
		return model.Credential{}, fmt.Errorf("check credential %q: %w", identity, err)
	}
	if !exists {
		return model.Credential{}, fmt.Errorf("swap envelope %q: %w", identity, driven.ErrNotFound)
	}
	return model.Credential{}, fmt.Errorf("swap envelope %q at version %d: %w", identity, expectedVersion, driven.ErrVersionMismatch)
}

// Delete removes the credential for identity.
func (r *CredentialRepo) Delete(ctx context.Context, identity string) error {
	const query = `DELETE FROM credentials WHERE identity = ?`
	_, err := r.db.Writer.ExecContext(ctx, query, identity)
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", identity, err)
	}
	return nil
}

// Count returns the number of stored credentials.
func (r *CredentialRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

func scanCredential(row *sql.Row) (*model.Credential, error) {
	var (
		cred      model.Credential
		role      string
		kdf       string
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&cred.ID, &cred.Identity, &cred.PasswordVerifier, &role, &cred.LedgerAccountID, &cred.LedgerAddress,
		&cred.Envelope.Format, &cred.Envelope.CipherText, &cred.Envelope.Salt, &cred.Envelope.Nonce, &kdf,
		&cred.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.Role = model.Role(role)
	if err := json.Unmarshal([]byte(kdf), &cred.Envelope.KDF); err != nil {
		return nil, fmt.Errorf("decode kdf params: %w", err)
	}
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &cred, nil
}
