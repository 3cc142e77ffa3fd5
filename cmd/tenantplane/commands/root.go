// Package commands defines the CLI command structure and flag bindings.
//
// Command execution is delegated to handler functions in the handlers
// package.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the tenantplane CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tenantplane",
		Short:         "Provision and deploy isolated tenants on Hetzner Cloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(Serve())
	cmd.AddCommand(Migrate())
	cmd.AddCommand(ValidateConfig())
	cmd.AddCommand(Version())

	return cmd
}
