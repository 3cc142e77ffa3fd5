package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/tenantplane/cmd/tenantplane/handlers"
)

// Migrate returns the command that applies database migrations.
func Migrate() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending control plane database migrations",
		Long: `Apply pending control plane database migrations.

Migrations are embedded in the binary and applied in order, each in its own
transaction. Running the command again is a no-op. Concurrent runs are
serialized by an advisory lock.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Migrate(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tenantplane.yaml", "Path to configuration file")

	return cmd
}
