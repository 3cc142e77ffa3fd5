// Package hcloud implements compute.Provider on Hetzner Cloud.
//
// An app maps onto Hetzner resources as follows:
//
//	app          private network {app} (10.0.0.0/16, one cloud subnet)
//	volume       volume {app}-data, attached and automounted to the machine
//	ipv4, ipv6   primary IPs {app}-ipv4 and {app}-ipv6, kept across machine replacement
//	certificate  managed certificate {app}-cert for the app hostname
//	machine      server {app}-machine booted from the runtime snapshot
//
// The runtime snapshot carries an agent that reads its configuration from
// server user data. Per-app objects in object storage hold the sealed
// machine environment and the image reference; changing either and
// rebooting the server is how secrets and images are rolled out.
//
// # Operations
//
// Creates go through EnsureOperation, which gets a resource by name before
// creating it. That makes every create idempotent and safe to retry.
// Deletes go through DeleteOperation, which treats a missing resource as
// success.
//
// # Errors
//
// Every exported method returns errors wrapping one of the compute outcome
// errors:
//
//   - compute.ErrInvalidRequest for rejected input (never retried)
//   - compute.ErrNotFound for references to missing resources
//   - compute.ErrOutcomeUnknown when the call's deadline expired
//   - compute.ErrUnavailable when transient errors outlasted the retry budget
//
// Timeouts and retry behaviour come from config.Timeouts.
package hcloud
