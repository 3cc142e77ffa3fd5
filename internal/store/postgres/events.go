package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/tenant"
)

var _ events.Store = (*Store)(nil)

// notification is the NOTIFY payload. Payloads are size limited, so only
// the event's position is sent.
type notification struct {
	TenantID string `json:"tenant_id"`
	Sequence int64  `json:"sequence"`
}

func (s *Store) Append(ctx context.Context, d events.Draft) (events.Event, error) {
	var ev events.Event
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		ev, err = appendTx(ctx, tx, d, s.now().UTC())
		return err
	})
	return ev, err
}

// appendTx allocates the next sequence from the tenant row and inserts the
// event. The notification is delivered when tx commits.
func appendTx(ctx context.Context, tx pgx.Tx, d events.Draft, now time.Time) (events.Event, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE tenants SET last_event_seq = last_event_seq + 1 WHERE id = $1 RETURNING last_event_seq`,
		d.TenantID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Event{}, tenant.ErrNotFound
	}
	if err != nil {
		return events.Event{}, fmt.Errorf("allocate sequence: %w", err)
	}

	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenant_events (tenant_id, seq, type, payload, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		d.TenantID, seq, string(d.Type), raw, now); err != nil {
		return events.Event{}, fmt.Errorf("insert event: %w", err)
	}

	note, _ := json.Marshal(notification{TenantID: d.TenantID, Sequence: seq})
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(note)); err != nil {
		return events.Event{}, fmt.Errorf("notify event: %w", err)
	}

	return events.Event{
		TenantID:   d.TenantID,
		Sequence:   seq,
		Type:       d.Type,
		Payload:    decodePayload(raw),
		OccurredAt: now,
	}, nil
}

// decodePayload round-trips through JSON so in-process events look the
// same as events read back from the table.
func decodePayload(raw []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func (s *Store) ListSince(ctx context.Context, tenantID string, from int64, limit int) ([]events.Event, error) {
	if from < 1 {
		from = 1
	}
	q := `SELECT seq, type, payload, occurred_at FROM tenant_events
		WHERE tenant_id = $1 AND seq >= $2 ORDER BY seq`
	args := []any{tenantID, from}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev  = events.Event{TenantID: tenantID}
			typ string
			raw []byte
		)
		if err := rows.Scan(&ev.Sequence, &typ, &raw, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.Payload = decodePayload(raw)
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
