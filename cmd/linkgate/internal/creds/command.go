package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal"
	"github.com/tinyland-inc/linkgate/pkg/store"
	"github.com/tinyland-inc/linkgate/pkg/utils"
)

func NewCredsCommand() *cobra.Command {
	var passphraseStdin bool

	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Inspect or purge stored session credentials",
		Example: `  linkgate creds list
  linkgate creds purge alice`,
	}
	cmd.PersistentFlags().BoolVar(&passphraseStdin, "passphrase-stdin", false,
		"Read the credential store passphrase from stdin")

	passphrase := func() io.Reader {
		if passphraseStdin {
			return os.Stdin
		}
		return nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List identities with stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(passphrase())
			if err != nil {
				return err
			}
			defer internal.CloseStore(s)
			return listCredentials(cmd.Context(), s, cmd.OutOrStdout())
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete the stored credentials of one identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(passphrase())
			if err != nil {
				return err
			}
			defer internal.CloseStore(s)
			return purgeCredentials(cmd.Context(), s, args[0], cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(listCmd, purgeCmd)
	return cmd
}

func openStore(passphraseFrom io.Reader) (store.CredentialStore, error) {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return internal.OpenStore(cfg, passphraseFrom)
}

func listCredentials(ctx context.Context, s store.CredentialStore, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lister, ok := s.(store.Lister)
	if !ok {
		return errors.New("this credential store cannot list identities")
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "No stored credentials.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func purgeCredentials(ctx context.Context, s store.CredentialStore, id string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := utils.ValidateSessionID(id); err != nil {
		return err
	}
	if err := s.Purge(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Purged credentials for %s\n", id)
	return nil
}
