// Package naming provides consistent naming functions for tenant resources.
//
// Every provider resource of a tenant is named {app}-{type}, where the app
// name is derived from the tenant ID. Provider idempotency is keyed on these
// names, so they must be stable across retries and restarts.
package naming
