package postgres

import (
	"context"
	"fmt"
)

// WebhookStore is the webhook_events view of a Store.
type WebhookStore struct {
	s *Store
}

// Webhooks returns the webhook id view of the store.
func (s *Store) Webhooks() WebhookStore {
	return WebhookStore{s}
}

// InsertIfAbsent records a provider event id and reports whether it was new.
func (v WebhookStore) InsertIfAbsent(ctx context.Context, provider, eventID string) (bool, error) {
	tag, err := v.s.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		provider, eventID)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Forget removes a recorded event id so the event can be redelivered.
func (v WebhookStore) Forget(ctx context.Context, provider, eventID string) error {
	if _, err := v.s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID); err != nil {
		return fmt.Errorf("forget webhook event: %w", err)
	}
	return nil
}
