package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

// setupTestDB opens a migrated database file in a per-test temp directory.
// A real file keeps WAL mode and the durability pragmas of NewDB, so the
// concurrent writer tests see the same locking behaviour as production.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(context.Background(), filepath.Join(t.TempDir(), "ledgerkeep_test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}
