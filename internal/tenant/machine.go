package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/metrics"
)

// ErrStaleStatus is returned by Store.ApplyTransition when the stored
// status no longer matches the expected one.
var ErrStaleStatus = errors.New("tenant status changed concurrently")

var (
	// ErrNotFound is returned by stores for unknown tenant ids.
	ErrNotFound = errors.New("tenant not found")

	// ErrAlreadyExists is returned by Store.Create for a duplicate id.
	ErrAlreadyExists = errors.New("tenant already exists")
)

// Notifier receives committed events for live fanout.
type Notifier interface {
	Notify(ev events.Event)
}

// Machine enforces the lifecycle edge table.
type Machine struct {
	store    Store
	notifier Notifier
	log      logr.Logger
}

// NewMachine returns a state machine over store. notifier may be nil.
func NewMachine(store Store, notifier Notifier, log logr.Logger) *Machine {
	return &Machine{store: store, notifier: notifier, log: log.WithName("tenant")}
}

// Store returns the underlying tenant store.
func (m *Machine) Store() Store {
	return m.store
}

// Get loads a tenant, mapping an unknown id to a NotFound error.
func (m *Machine) Get(ctx context.Context, id string) (Tenant, error) {
	t, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Tenant{}, apperr.NotFoundf("get tenant", "tenant %s not found", id)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return t, nil
}

// Transition moves tenant id to status to, applying change and appending one
// tenant.status_changed event carrying payload. Illegal edges return a State
// error and leave the tenant untouched.
func (m *Machine) Transition(ctx context.Context, id string, to Status, change Change, payload map[string]any) (Tenant, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	return m.TransitionFrom(ctx, current, to, change, payload)
}

// TransitionFrom is Transition for a caller that already loaded the tenant.
// The write still fails with a Conflict error if the stored status moved
// away from current.Status in the meantime.
func (m *Machine) TransitionFrom(ctx context.Context, current Tenant, to Status, change Change, payload map[string]any) (Tenant, error) {
	from := current.Status
	if !CanTransition(from, to) {
		m.log.Error(nil, "illegal tenant transition rejected",
			"tenant", current.ID, "from", from, "to", to)
		return Tenant{}, apperr.New(apperr.KindState, "transition",
			fmt.Sprintf("tenant %s cannot move from %s to %s", current.ID, from, to))
	}

	next := current
	change.Apply(&next)
	next.Status = to
	if to.HasMachine() && next.MachineID == "" {
		m.log.Error(nil, "transition requires a machine id",
			"tenant", current.ID, "from", from, "to", to)
		return Tenant{}, apperr.New(apperr.KindState, "transition",
			fmt.Sprintf("tenant %s cannot enter %s without a machine", current.ID, to))
	}

	data := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range payload {
		if k != "from" && k != "to" {
			data[k] = v
		}
	}

	updated, ev, err := m.store.ApplyTransition(ctx, Transition{
		TenantID: current.ID,
		From:     from,
		To:       to,
		Change:   change,
		Event: events.Draft{
			TenantID: current.ID,
			Type:     events.TypeStatusChanged,
			Payload:  data,
		},
	})
	switch {
	case errors.Is(err, ErrStaleStatus):
		return Tenant{}, apperr.Conflictf("transition", "tenant %s changed status concurrently", current.ID)
	case errors.Is(err, ErrNotFound):
		return Tenant{}, apperr.NotFoundf("transition", "tenant %s not found", current.ID)
	case err != nil:
		return Tenant{}, fmt.Errorf("transition tenant %s: %w", current.ID, err)
	}

	metrics.RecordTransition(string(from), string(to))
	m.log.Info("tenant transitioned", "tenant", current.ID, "from", from, "to", to, "sequence", ev.Sequence)
	if m.notifier != nil {
		m.notifier.Notify(ev)
	}
	return updated, nil
}

// Update writes non-status fields without emitting an event.
func (m *Machine) Update(ctx context.Context, id string, change Change) (Tenant, error) {
	t, err := m.store.Update(ctx, id, change)
	if errors.Is(err, ErrNotFound) {
		return Tenant{}, apperr.NotFoundf("update tenant", "tenant %s not found", id)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("update tenant %s: %w", id, err)
	}
	return t, nil
}
