package postgres

import (
	"context"
	"encoding/json"
		"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/util/retry"
)

// Notifier receives events for live fanout.
type Notifier interface {
	Notify(events.Event)
}

// Listener forwards events announced on NotifyChannel to a Notifier, so
// subscribers on this replica see events appended by any replica.
type Listener struct {
	store    *Store
	notifier Notifier
	log      logr.Logger
}

// NewListener creates a Listener.
func NewListener(store *Store, notifier Notifier, log logr.Logger) *Listener {
	return &Listener{store: store, notifier: notifier, log: log.WithName("listener")}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops. Subscribers gap-fill from the log, so notifications
// missed while reconnecting are not lost.
func (l *Listener) Run(ctx context.Context) error {
	err := retry.WithExponentialBackoff(ctx, func() error {
		err := l.listen(ctx)
		if err != nil && ctx.Err() == nil {
			l.log.Error(err, "event listener disconnected, reconnecting")
		}
		return err
	},
		retry.WithMaxRetries(math.MaxInt32),
		retry.WithInitialDelay(500*time.Millisecond),
		retry.WithMaxDelay(30*time.Second),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.log.Info("listening for events", "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Drop the connection; it may still be subscribed.
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var note notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil || note.TenantID == "" {
		l.log.Info("ignoring malformed notification", "payload", payload)
		return
	}
	evs, err := l.store.ListSince(ctx, note.TenantID, note.Sequence, 1)
	if err != nil || len(evs) == 0 {
		l.log.Error(err, "failed to load notified event", "tenant", note.TenantID, "sequence", note.Sequence)
		return
	}
	l.notifier.Notify(evs[0])
}
