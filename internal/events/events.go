// Package events implements the per-tenant provisioning event log and its
// live fanout to subscribers.
//
// Every tenant has an append-only log whose sequence numbers start at 1 and
// increase by one per event. Subscribers replay the log from a chosen
// sequence and then receive live events, with no gaps and no duplicates
// across the switch.
package events

import (
	"context"
	"errors"
	"time"
)

// Type identifies what an event records.
type Type string

const (
	TypeTenantCreated     Type = "tenant.created"
	TypeStatusChanged     Type = "tenant.status_changed"
	TypeStepCompleted     Type = "provisioning.step_completed"
	TypeDeployStarted     Type = "deploy.started"
	TypeDeploySucceeded   Type = "deploy.succeeded"
	TypeDeployFailed      Type = "deploy.failed"
	TypeRotationStarted   Type = "rotation.started"
	TypeRotationSucceeded Type = "rotation.succeeded"
	TypeRotationFailed    Type = "rotation.failed"
	TypeTeardownFailed    Type = "teardown.failed"
	TypeCredentialsReady  Type = "credentials.ready"
)

// ErrSlowSubscriber is reported by a subscription that was disconnected
// because its inbox filled up.
var ErrSlowSubscriber = errors.New("subscriber too slow, disconnected")

// Event is one immutable entry of a tenant's log.
type Event struct {
	TenantID   string         `json:"tenant_id"`
	Sequence   int64          `json:"sequence_number"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Flat returns the event as a single JSON object with the payload fields
// inlined next to the envelope fields. Envelope fields win on collision.
func (e Event) Flat() map[string]any {
	out := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["tenant_id"] = e.TenantID
	out["sequence_number"] = e.Sequence
	out["occurred_at"] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	return out
}

// Draft is an event before the log assigns it a sequence number.
type Draft struct {
	TenantID string
	Type     Type
	Payload  map[string]any

	// Private fields are added to the payload of the copy handed to live
	// subscribers of this process. They are never stored, so a replay or
	// another replica sees the event without them.
	Private map[string]any
}

// Store is the durable event log.
type Store interface {
	// Append assigns the next sequence number for the draft's tenant and
	// persists the event.
	Append(ctx context.Context, d Draft) (Event, error)

	// ListSince returns up to limit events with Sequence >= from, ordered
	// by sequence.
	ListSince(ctx context.Context, tenantID string, from int64, limit int) ([]Event, error)
}
