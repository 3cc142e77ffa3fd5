package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/tenantplane/cmd/tenantplane/handlers"
)

// ValidateConfig returns the command that checks a configuration file.
func ValidateConfig() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a configuration file and print it with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.ValidateConfig(configPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tenantplane.yaml", "Path to configuration file")

	return cmd
}
