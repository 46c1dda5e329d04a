package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

func attemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect and resolve provisioning attempts",
	}
	cmd.AddCommand(attemptsListCmd(), attemptsResolveCmd())
	return cmd
}

func attemptsListCmd() *cobra.Command {
	var states []string
	var unresolved bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioning attempts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.AttemptState, 0, len(states))
			for _, s := range states {
				filter = append(filter, model.AttemptState(s))
			}
			if unresolved {
				filter = append(filter, model.AttemptStateAccountCreated, model.AttemptStateOrphaned, model.AttemptStateStale)
			}

			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			attempts, err := sqliteadapter.NewJournalRepo(db).List(cmd.Context(), filter...)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IDENTITY\tSTATE\tACCOUNT\tATTEMPT\tUPDATED\tREASON")
			for _, a := range attempts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.Identity, a.State, dash(a.LedgerAccountID), a.ID,
					a.UpdatedAt.UTC().Format(time.RFC3339), dash(a.Reason))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only attempts that block re-provisioning")
	return cmd
}

func attemptsResolveCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resolve <identity>",
		Short: "Close an orphaned, stale or account_created attempt after manual reconciliation",
		Long: "Marks the identity's unresolved attempt abandoned so the identity can be provisioned again.\n" +
			"Only run this after confirming on the ledger that any account it created has been\n" +
			"recovered or retired.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}

			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			identity := strings.ToLower(strings.TrimSpace(args[0]))
			err = sqliteadapter.NewJournalRepo(db).Resolve(cmd.Context(), identity, "resolved by operator: "+reason)
			if errors.Is(err, driven.ErrNotFound) {
				return fmt.Errorf("no unresolved attempt for %q", identity)
			}
			if err != nil {
				return err
			}
			printf(cmd, "resolved %s\n", identity)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "audit note stored on the attempt")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
