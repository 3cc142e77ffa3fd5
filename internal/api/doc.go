// Package api serves the control plane HTTP API.
//
// Routes under /tenants require a bearer token and an owner or admin
// principal. /webhooks/{provider} is unauthenticated; deliveries are
// verified by the webhook ingestor. /livez and /readyz serve health checks,
// and /readyz reports unavailable while the server drains.
//
// Errors are returned as
//
//	{"error": {"kind": "conflict", "message": "..."}}
//
// with the status code derived from the apperr kind.
package api
