package commands

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/ledgerkeep/internal/application"
)

func reconcileCmd() *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over the provisioning journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			svc := application.NewReconcileService(
				sqliteadapter.NewJournalRepo(db),
				sqliteadapter.NewCredentialRepo(db),
				time.Minute,
				staleAfter,
				slog.Default(),
			)
			report, err := svc.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "marked stale: %d\ncompleted:    %d\norphaned:     %d\npending:      %d\nawaiting:     %d\nunresolved:   %d\n",
				report.MarkedStale, report.Completed, report.Orphaned, report.Pending, report.AwaitingCommit, report.Unresolved)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 10*time.Minute, "age after which a pending attempt is marked stale")
	return cmd
}
