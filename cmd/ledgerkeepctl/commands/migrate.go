package commands

import (
	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version and credential count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			version, dirty, err := sqliteadapter.SchemaVersion(db.Writer)
			if err != nil {
				return err
			}
			printf(cmd, "schema version %d (dirty=%t)\n", version, dirty)

			count, err := sqliteadapter.NewCredentialRepo(db).Count(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "credentials %d\n", count)
			return nil
		},
	}
}
