package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
)

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seedDB creates a migrated database with one orphaned attempt and one
// credential.
func seedDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ctl.db")

	db, err := sqliteadapter.NewDB(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqliteadapter.RunMigrations(db.Writer))

	journal := sqliteadapter.NewJournalRepo(db)
	attempt, err := journal.Begin(ctx, "orphan@x.com")
	require.NoError(t, err)
	require.NoError(t, journal.RecordAccount(ctx, attempt.ID, "0.0.7001", "0x0000000000000000000000000000000000001b59"))
	require.NoError(t, journal.MarkOrphaned(ctx, attempt.ID, "credential commit failed"))

	_, err = sqliteadapter.NewCredentialRepo(db).InsertIfAbsent(ctx, model.Credential{
		Identity:         "alice@x.com",
		PasswordVerifier: "$2a$04$verifier",
		Role:             model.RoleInvestor,
		LedgerAccountID:  "0.0.1001",
		LedgerAddress:    "0x00000000000000000000000000000000000003e9",
		Envelope: model.KeyEnvelope{
			CipherText: bytes.Repeat([]byte{1}, 48),
			Salt:       bytes.Repeat([]byte{2}, 16),
			Nonce:      bytes.Repeat([]byte{3}, 12),
			KDF:        model.KDFParams{Algorithm: model.KDFScrypt, KeyLen: 32, N: 1 << 10, R: 8, P: 1},
		},
	})
	require.NoError(t, err)
	return path
}

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")

	out, err := runCtl(t, "--db", path, "migrate")

	require.NoError(t, err)
	assert.Contains(t, out, "schema version 2 (dirty=false)")
	assert.Contains(t, out, "credentials 0")
}

func TestMigrate_ReportsCredentialCount(t *testing.T) {
	path := seedDB(t)

	out, err := runCtl(t, "--db", path, "migrate")

	require.NoError(t, err)
	assert.Contains(t, out, "credentials 1")
}

func TestAttemptsListAndResolve(t *testing.T) {
	path := seedDB(t)

	out, err := runCtl(t, "--db", path, "attempts", "list", "--unresolved")
	require.NoError(t, err)
	assert.Contains(t, out, "orphan@x.com")
	assert.Contains(t, out, "orphaned")
	assert.Contains(t, out, "0.0.7001")

	_, err = runCtl(t, "--db", path, "attempts", "resolve", "orphan@x.com")
	require.Error(t, err, "reason is mandatory")

	out, err = runCtl(t, "--db", path, "attempts", "resolve", "orphan@x.com", "--reason", "account retired")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved orphan@x.com")

	out, err = runCtl(t, "--db", path, "attempts", "list", "--unresolved")
	require.NoError(t, err)
	assert.NotContains(t, out, "orphan@x.com")

	_, err = runCtl(t, "--db", path, "attempts", "resolve", "orphan@x.com", "--reason", "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no unresolved attempt")
}

func TestCredentialsShowAndDelete(t *testing.T) {
	path := seedDB(t)

	out, err := runCtl(t, "--db", path, "credentials", "show", "Alice@X.com")
	require.NoError(t, err)
	assert.Contains(t, out, "0.0.1001")
	assert.Contains(t, out, "scrypt")
	assert.NotContains(t, out, "verifier")

	_, err = runCtl(t, "--db", path, "credentials", "delete", "alice@x.com")
	require.Error(t, err, "deletion requires --yes")

	out, err = runCtl(t, "--db", path, "credentials", "delete", "alice@x.com", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted alice@x.com")

	_, err = runCtl(t, "--db", path, "credentials", "show", "alice@x.com")
	require.Error(t, err)
}

func TestReconcile(t *testing.T) {
	path := seedDB(t)

	out, err := runCtl(t, "--db", path, "reconcile", "--stale-after", time.Hour.String())

	require.NoError(t, err)
	assert.Contains(t, out, "unresolved:   1")
}

func TestSelftest(t *testing.T) {
	out, err := runCtl(t, "selftest")

	require.NoError(t, err)
	assert.Contains(t, out, "keypair: ok")
	assert.Contains(t, out, "envelope (scrypt, key_len=32): ok")
}
