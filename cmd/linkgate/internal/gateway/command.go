package gateway

import (
	"os"

	"github.com/spf13/cobra"
)

func NewGatewayCommand() *cobra.Command {
	var debug bool
	var passphraseStdin bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"g"},
		Short:   "Start the linkgate HTTP gateway",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			opts := gatewayOptions{debug: debug}
			if passphraseStdin {
				opts.passphraseFrom = os.Stdin
			}
			return gatewayCmd(opts)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&passphraseStdin, "passphrase-stdin", false,
		"Read the credential store passphrase from stdin")

	return cmd
}
