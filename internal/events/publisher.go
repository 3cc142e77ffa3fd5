package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/metrics"
)

const (
	defaultBuffer      = 64
	defaultReplayBatch = 500
)

// Publisher appends events to the log and fans them out to live
// subscribers. Publishing never blocks on a subscriber: a subscriber whose
// inbox is full is disconnected.
type Publisher struct {
	store  Store
	log    logr.Logger
	buffer int
	batch  int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBuffer sets the capacity of each subscriber inbox.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

// WithReplayBatch sets how many events are read from the store per query
// while replaying.
func WithReplayBatch(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Publisher) {
		p.log = log
	}
}

// NewPublisher creates a Publisher over store.
func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		log:    logr.Discard(),
		buffer: defaultBuffer,
		batch:  defaultReplayBatch,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends d to the log and notifies live subscribers. The
// returned event is the stored one, without d.Private.
func (p *Publisher) Publish(ctx context.Context, d Draft) (Event, error) {
	private := d.Private
	d.Private = nil
	ev, err := p.store.Append(ctx, d)
	if err != nil {
		return Event{}, fmt.Errorf("append %s event: %w", d.Type, err)
	}
	p.Notify(withPrivate(ev, private))
	return ev, nil
}

func withPrivate(ev Event, private map[string]any) Event {
	if len(private) == 0 {
		return ev
	}
	payload := make(map[string]any, len(ev.Payload)+len(private))
	for k, v := range ev.Payload {
		payload[k] = v
	}
	for k, v := range private {
		payload[k] = v
	}
	ev.Payload = payload
	return ev
}

// Notify hands an already persisted event to the tenant's live
// subscribers. It is called after Publish and after a transaction that
// appended an event commits, and by the cross-replica listener. Duplicate
// and out-of-order notifications are resolved per subscriber.
func (p *Publisher) Notify(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subs[ev.TenantID] {
		select {
		case sub.inbox <- ev:
		default:
			p.log.Info("disconnecting slow subscriber", "tenant", ev.TenantID, "sequence", ev.Sequence)
			metrics.RecordSlowSubscriber()
			p.dropLocked(sub, ErrSlowSubscriber)
		}
	}
}

// Subscribe streams the tenant's events with Sequence >= from, replayed
// from the store and then live. The subscription ends when ctx is done,
// Close is called, the subscriber falls behind, or the store fails; Err
// reports why.
func (p *Publisher) Subscribe(ctx context.Context, tenantID string, from int64) (*Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("subscribe: empty tenant id")
	}
	if from < 1 {
		from = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		TenantID: tenantID,
		inbox:    make(chan Event, p.buffer),
		out:      make(chan Event),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// Register before replaying so nothing published during the replay is missed.
	p.mu.Lock()
	if p.subs[tenantID] == nil {
		p.subs[tenantID] = make(map[*Subscription]struct{})
	}
	p.subs[tenantID][sub] = struct{}{}
	p.mu.Unlock()
	metrics.SubscriberAdded()

	go p.pump(ctx, sub, from)
	return sub, nil
}

// SubscriberCount returns the number of live subscribers for a tenant.
func (p *Publisher) SubscriberCount(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[tenantID])
}

func (p *Publisher) dropLocked(sub *Subscription, reason error) {
	set, ok := p.subs[sub.TenantID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subs, sub.TenantID)
	}
	if reason != nil {
		sub.setErr(reason)
	}
	close(sub.inbox)
	metrics.SubscriberRemoved()
}

func (p *Publisher) unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(sub, nil)
}

// pump moves events from the store and the inbox to the subscriber. The
// cursor is the last sequence delivered; anything at or below it is a
// duplicate, anything beyond cursor+1 leaves a gap that is filled from the
// store first.
func (p *Publisher) pump(ctx context.Context, sub *Subscription, from int64) {
	defer close(sub.done)
	defer close(sub.out)
	defer p.unsubscribe(sub)

	cursor := from - 1
	if err := p.catchUp(ctx, sub, &cursor, 0); err != nil {
		if ctx.Err() == nil {
			sub.setErr(err)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.inbox:
			if !ok {
				return
			}
			if ev.Sequence <= cursor {
				continue
			}
			if ev.Sequence > cursor+1 {
				if err := p.catchUp(ctx, sub, &cursor, ev.Sequence); err != nil {
					if ctx.Err() == nil {
						sub.setErr(err)
					}
					return
				}
				if ev.Sequence <= cursor {
					continue
				}
			}
			if !sub.send(ctx, ev) {
				return
			}
			cursor = ev.Sequence
		}
	}
}

// catchUp delivers stored events after cursor. With until > 0 it stops
// before that sequence.
func (p *Publisher) catchUp(ctx context.Context, sub *Subscription, cursor *int64, until int64) error {
	for {
		batch, err := p.store.ListSince(ctx, sub.TenantID, *cursor+1, p.batch)
		if err != nil {
			return fmt.Errorf("replay events for %s: %w", sub.TenantID, err)
		}
		for _, ev := range batch {
			if until > 0 && ev.Sequence >= until {
				return nil
			}
			if !sub.send(ctx, ev) {
				return ctx.Err()
			}
			*cursor = ev.Sequence
		}
		if len(batch) < p.batch {
			return nil
		}
	}
}

// Subscription is one subscriber's view of a tenant's event stream.
type Subscription struct {
	TenantID string

	inbox  chan Event
	out    chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Err returns why the subscription ended, or nil if it ended by Close or
// context cancellation.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) send(ctx context.Context, ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
