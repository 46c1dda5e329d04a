package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProvisioningJournal = (*JournalRepo)(nil)

const attemptColumns = `attempt_id, identity, state, ledger_account_id, ledger_address, reason, created_at, updated_at`

// JournalRepo is the SQLite implementation of the ProvisioningJournal port.
// There is at most one row per identity; a new attempt replaces a finished one.
type JournalRepo struct {
	db    *DB
	now   func() time.Time
	newID func() string
}

// NewJournalRepo creates a new JournalRepo backed by the given DB.
func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db, now: time.Now, newID: uuid.NewString}
}

// Begin starts a pending attempt. The upsert only overwrites completed or
// abandoned rows, so two concurrent callers cannot both obtain an attempt.
func (r *JournalRepo) Begin(ctx context.Context, identity string) (model.ProvisioningAttempt, error) {
	const query = `
		INSERT INTO provisioning_attempts (identity, attempt_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			attempt_id = excluded.attempt_id,
			state = excluded.state,
			ledger_account_id = '',
			ledger_address = '',
			reason = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE provisioning_attempts.state IN (?, ?)
	`

	now := formatTime(r.now())
	id := r.newID()

	result, err := r.db.Writer.ExecContext(ctx, query,
		identity, id, string(model.AttemptStatePending), now, now,
		string(model.AttemptStateCompleted), string(model.AttemptStateAbandoned),
	)
	if err != nil {
		return model.ProvisioningAttempt{}, fmt.Errorf("begin attempt %q: %w", identity, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return model.ProvisioningAttempt{}, fmt.Errorf("check rows affected: %w", err)
	}

	if rows == 0 {
		existing, err := r.get(ctx, r.db.Writer, identity)
		if err != nil {
			return model.ProvisioningAttempt{}, err
		}
		if existing == nil {
			return model.ProvisioningAttempt{}, fmt.Errorf("begin attempt %q: row vanished", identity)
		}
		return *existing, fmt.Errorf("begin attempt %q (%s): %w", identity, existing.State, driven.ErrAttemptExists)
	}

	attempt, err := r.get(ctx, r.db.Writer, identity)
	if err != nil {
		return model.ProvisioningAttempt{}, err
	}
	return *attempt, nil
}

// RecordAccount stores the ledger account created for a pending attempt.
// A stale attempt is accepted too: the ledger call simply took longer than
// the reconciler's threshold.
func (r *JournalRepo) RecordAccount(ctx context.Context, attemptID, accountID, address string) error {
	const query = `
		UPDATE provisioning_attempts
		SET state = ?, ledger_account_id = ?, ledger_address = ?, updated_at = ?
		WHERE attempt_id = ? AND state IN (?, ?)
	`
	return r.transition(ctx, "record account", attemptID, query,
		string(model.AttemptStateAccountCreated), accountID, address, formatTime(r.now()),
		attemptID, string(model.AttemptStatePending), string(model.AttemptStateStale),
	)
}

// Complete marks the attempt completed.
func (r *JournalRepo) Complete(ctx context.Context, attemptID string) error {
	const query = `
		UPDATE provisioning_attempts
		SET state = ?, reason = '', updated_at = ?
		WHERE attempt_id = ? AND state IN (?, ?, ?)
	`
	return r.transition(ctx, "complete", attemptID, query,
		string(model.AttemptStateCompleted), formatTime(r.now()),
		attemptID, string(model.AttemptStatePending), string(model.AttemptStateAccountCreated), string(model.AttemptStateStale),
	)
}

// Abandon marks an attempt abandoned. Attempts that already recorded a
// ledger account cannot be abandoned this way.
func (r *JournalRepo) Abandon(ctx context.Context, attemptID, reason string) error {
	const query = `
		UPDATE provisioning_attempts
		SET state = ?, reason = ?, updated_at = ?
		WHERE attempt_id = ? AND state IN (?, ?)
	`
	return r.transition(ctx, "abandon", attemptID, query,
		string(model.AttemptStateAbandoned), reason, formatTime(r.now()),
		attemptID, string(model.AttemptStatePending), string(model.AttemptStateStale),
	)
}

// MarkOrphaned flags an attempt whose ledger account has no credential.
func (r *JournalRepo) MarkOrphaned(ctx context.Context, attemptID, reason string) error {
	const query = `
		UPDATE provisioning_attempts
		SET state = ?, reason = ?, updated_at = ?
		WHERE attempt_id = ? AND state <> ?
	`
	return r.transition(ctx, "mark orphaned", attemptID, query,
		string(model.AttemptStateOrphaned), reason, formatTime(r.now()),
		attemptID, string(model.AttemptStateCompleted),
	)
}

// Resolve closes an unresolved attempt for identity after an operator has
// reconciled it by hand, allowing the identity to be provisioned again.
func (r *JournalRepo) Resolve(ctx context.Context, identity, reason string) error {
	const query = `
		UPDATE provisioning_attempts
		SET state = ?, reason = ?, updated_at = ?
		WHERE identity = ? AND state IN (?, ?, ?)
	`
	result, err := r.db.Writer.ExecContext(ctx, query,
		string(model.AttemptStateAbandoned), reason, formatTime(r.now()),
		identity, string(model.AttemptStateAccountCreated), string(model.AttemptStateOrphaned), string(model.AttemptStateStale),
	)
	if err != nil {
		return fmt.Errorf("resolve attempt %q: %w", identity, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resolve attempt %q: %w", identity, driven.ErrNotFound)
	}
	return nil
}

// MarkStale flags pending attempts not updated since cutoff and returns them.
func (r *JournalRepo) MarkStale(ctx context.Context, cutoff time.Time) ([]model.ProvisioningAttempt, error) {
	query := `
		UPDATE provisioning_attempts
		SET state = ?, reason = 'no ledger outcome recorded', updated_at = ?
		WHERE state = ? AND updated_at < ?
		RETURNING ` + attemptColumns

	rows, err := r.db.Writer.QueryContext(ctx, query,
		string(model.AttemptStateStale), formatTime(r.now()),
		string(model.AttemptStatePending), formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// Get returns the attempt for identity, or (nil, nil) if none exists.
func (r *JournalRepo) Get(ctx context.Context, identity string) (*model.ProvisioningAttempt, error) {
	return r.get(ctx, r.db.Reader, identity)
}

// List returns attempts in the given states ordered by creation time.
func (r *JournalRepo) List(ctx context.Context, states ...model.AttemptState) ([]model.ProvisioningAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM provisioning_attempts`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, identity`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *JournalRepo) get(ctx context.Context, conn *sql.DB, identity string) (*model.ProvisioningAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM provisioning_attempts WHERE identity = ?`

	var a model.ProvisioningAttempt
	var state, createdAt, updatedAt string
	err := conn.QueryRowContext(ctx, query, identity).Scan(
		&a.ID, &a.Identity, &state, &a.LedgerAccountID, &a.LedgerAddress, &a.Reason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %q: %w", identity, err)
	}

	if err := fillAttempt(&a, state, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// transition runs a guarded single-row UPDATE and reports driven.ErrNotFound
// when the attempt is missing or not in an allowed source state.
func (r *JournalRepo) transition(ctx context.Context, op, attemptID, query string, args ...any) error {
	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s attempt %s: %w", op, attemptID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s attempt %s: %w", op, attemptID, driven.ErrNotFound)
	}
	return nil
}

func scanAttempts(rows *sql.Rows) ([]model.ProvisioningAttempt, error) {
	var attempts []model.ProvisioningAttempt
	for rows.Next() {
		var a model.ProvisioningAttempt
		var state, createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Identity, &state, &a.LedgerAccountID, &a.LedgerAddress, &a.Reason, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := fillAttempt(&a, state, createdAt, updatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

func fillAttempt(a *model.ProvisioningAttempt, state, createdAt, updatedAt string) error {
	a.State = model.AttemptState(state)

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	return nil
}
