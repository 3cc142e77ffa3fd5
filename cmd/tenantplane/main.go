// Package main is the entry point for the tenantplane control plane.
//
// tenantplane provisions isolated per-tenant infrastructure on Hetzner Cloud
// when a payment provider reports a purchase, deploys tenant images onto
// it, and streams provisioning events to clients.
//
// Commands: serve, migrate, validate-config, version.
//
// For detailed usage information, run:
//
//	tenantplane --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/imamik/tenantplane/cmd/tenantplane/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
