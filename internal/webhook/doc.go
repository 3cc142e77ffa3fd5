// Package webhook ingests payment provider webhooks.
//
// Deliveries are at-least-once. Every delivery is verified, parsed into a
// provider-neutral Event and then deduplicated by inserting the provider's
// event id before any tenant is touched. Only the first delivery of an
// event creates a tenant and schedules provisioning; later ones report
// Duplicate.
//
// Providers are registered explicitly at startup, see Registry.
package webhook
