package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sqliteadapter "github.com/ericfisherdev/ledgerkeep/internal/adapter/driven/sqlite"
)

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect and remove stored credentials",
	}
	cmd.AddCommand(credentialsShowCmd(), credentialsDeleteCmd())
	return cmd
}

func credentialsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Print a credential's public fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			cred, err := sqliteadapter.NewCredentialRepo(db).FindByIdentity(cmd.Context(), strings.ToLower(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("no credential for %q", args[0])
			}

			printf(cmd, "identity:  %s\nrole:      %s\naccount:   %s\naddress:   %s\nkdf:       %s\nversion:   %d\nupdated:   %s\n",
				cred.Identity, cred.Role, cred.LedgerAccountID, cred.LedgerAddress,
				cred.Envelope.KDF.Algorithm, cred.Version, cred.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
}

func credentialsDeleteCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "delete <identity>",
		Short: "Delete a credential; its ledger key becomes unrecoverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to delete without --yes")
			}
			identity := strings.ToLower(strings.TrimSpace(args[0]))

			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB(db)

			repo := sqliteadapter.NewCredentialRepo(db)
			cred, err := repo.FindByIdentity(cmd.Context(), identity)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("no credential for %q", identity)
			}
			if err := repo.Delete(cmd.Context(), identity); err != nil {
				return err
			}
			printf(cmd, "deleted %s (ledger account %s)\n", identity, cred.LedgerAccountID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm irreversible deletion")
	return cmd
}
