// Package commands implements the ledgerkeepctl operator CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
)

var (
	dbPath  string
	verbose bool
)

// Execute builds the command tree and runs it against os.Args.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerkeepctl",
		Short:         "Operator tooling for the ledgerkeep custody database",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	defaultDB := "ledgerkeep.db"
	if v, ok := os.LookupEnv("LEDGERKEEP_DB_PATH"); ok {
		defaultDB = v
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "SQLite database path (env LEDGERKEEP_DB_PATH)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(migrateCmd(), selftestCmd(), attemptsCmd(), credentialsCmd(), reconcileCmd())
	return root
}

// openDB opens the database and applies pending migrations, so every
// command sees the current schema.
func openDB(ctx context.Context) (*sqliteadapter.DB, error) {
	db, err := sqliteadapter.NewDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func closeDB(db *sqliteadapter.DB) {
	if err := db.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
