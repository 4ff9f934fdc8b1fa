package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal"
	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal/creds"
	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal/gateway"
	"github.com/tinyland-inc/linkgate/cmd/linkgate/internal/version"
)

func NewLinkgateCommand() *cobra.Command {
	short := fmt.Sprintf("%s linkgate - paired-device messaging gateway v%s\n\n", internal.Logo, internal.GetVersion())

	var configPath string
	cmd := &cobra.Command{
		Use:     "linkgate",
		Short:   short,
		Example: "linkgate gateway",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if configPath != "" {
				internal.SetConfigPath(configPath)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (default: ~/.linkgate/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		creds.NewCredsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewLinkgateCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
