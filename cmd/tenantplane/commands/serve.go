package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/tenantplane/cmd/tenantplane/handlers"
)

// Serve returns the command that runs the control plane.
//
// Optional flags:
//
//	--config, -c: Path to configuration YAML file (default: tenantplane.yaml)
//	--migrate: Apply pending database migrations before serving
//
// Environment variables override secret values from the file, for example
// TENANTPLANE_HCLOUD_TOKEN and TENANTPLANE_DATABASE_URL.
func Serve() *cobra.Command {
	var configPath string
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane API, webhook ingestion and event stream",
		Long: `Run the control plane.

This command:
  1. Loads and validates the configuration
  2. Connects to the control plane database
  3. Serves the tenant API, payment webhooks and event streams
  4. Serves Prometheus metrics on the metrics address

On SIGINT or SIGTERM the server reports not ready, waits for the drain
period, then finishes in-flight requests and background provisioning.

Examples:
  # Serve with the default configuration file
  tenantplane serve

  # Apply migrations first
  tenantplane serve -c production.yaml --migrate`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Serve(cmd.Context(), configPath, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tenantplane.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending database migrations before serving")

	return cmd
}
