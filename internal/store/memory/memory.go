// Package memory provides in-process implementations of the control plane
// stores. One Store backs tenants, events, secrets and webhook ids under a
// single lock, so a tenant write and its event commit together as they do
// in the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/tenant"
)

var (
	_ tenant.Store  = (*Store)(nil)
	_ events.Store  = (*Store)(nil)
	_ secrets.Store = SecretStore{}
)

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	tenants  map[string]tenant.Tenant
	events   map[string][]events.Event
	secrets  map[string]secrets.Record
	webhooks map[string]time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		tenants:  make(map[string]tenant.Tenant),
		events:   make(map[string][]events.Event),
		secrets:  make(map[string]secrets.Record),
		webhooks: make(map[string]time.Time),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Tenants

func (s *Store) Create(_ context.Context, t tenant.Tenant, d events.Draft) (tenant.Tenant, events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return tenant.Tenant{}, events.Event{}, tenant.ErrAlreadyExists
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tenants[t.ID] = t
	ev := s.appendLocked(d)
	return t, ev, nil
}

func (s *Store) Get(_ context.Context, id string) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	return t, nil
}

func (s *Store) List(_ context.Context, f tenant.Filter) ([]tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ApplyTransition(_ context.Context, tr tenant.Transition) (tenant.Tenant, events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tr.TenantID]
	if !ok {
		return tenant.Tenant{}, events.Event{}, tenant.ErrNotFound
	}
	if t.Status != tr.From {
		return tenant.Tenant{}, events.Event{}, tenant.ErrStaleStatus
	}
	tr.Change.Apply(&t)
	t.Status = tr.To
	t.UpdatedAt = s.now().UTC()
	s.tenants[t.ID] = t
	ev := s.appendLocked(tr.Event)
	return t, ev, nil
}

func (s *Store) Update(_ context.Context, id string, c tenant.Change) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, tenant.ErrNotFound
	}
	c.Apply(&t)
	t.UpdatedAt = s.now().UTC()
	s.tenants[id] = t
	return t, nil
}

func (s *Store) ClaimRotation(_ context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return false, tenant.ErrNotFound
	}
	if t.RotationClaimedAt != nil && now.Sub(*t.RotationClaimedAt) < lease {
		return false, nil
	}
	claimed := now
	t.RotationClaimedAt = &claimed
	t.RotationPending = true
	s.tenants[id] = t
	return true, nil
}

func (s *Store) ReleaseRotation(_ context.Context, id, failedStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.ErrNotFound
	}
	t.RotationClaimedAt = nil
	t.RotationStep = failedStep
	t.RotationPending = failedStep != ""
	s.tenants[id] = t
	return nil
}

// Events

func (s *Store) Append(_ context.Context, d events.Draft) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(d), nil
}

func (s *Store) appendLocked(d events.Draft) events.Event {
	log := s.events[d.TenantID]
	ev := events.Event{
		TenantID:   d.TenantID,
		Sequence:   int64(len(log)) + 1,
		Type:       d.Type,
		Payload:    d.Payload,
		OccurredAt: s.now().UTC(),
	}
	s.events[d.TenantID] = append(log, ev)
	return ev
}

func (s *Store) ListSince(_ context.Context, tenantID string, from int64, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[tenantID]
	if from < 1 {
		from = 1
	}
	if from > int64(len(log)) {
		return nil, nil
	}
	out := log[from-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]events.Event(nil), out...), nil
}

// Secrets returns the secrets view of the store.
func (s *Store) Secrets() SecretStore {
	return SecretStore{s}
}

// SecretStore implements secrets.Store over a Store.
type SecretStore struct {
	s *Store
}

func (v SecretStore) Insert(_ context.Context, rec secrets.Record) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[rec.TenantID]; ok {
		return secrets.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.secrets[rec.TenantID] = copyRecord(rec)
	return nil
}

func (v SecretStore) Get(_ context.Context, tenantID string) (secrets.Record, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.secrets[tenantID]
	if !ok {
		return secrets.Record{}, secrets.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (v SecretStore) ConsumeToken(_ context.Context, tenantID, tokenHash string) (secrets.Record, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.secrets[tenantID]
	if !ok || rec.TokenHash == "" || rec.TokenHash != tokenHash {
		return secrets.Record{}, secrets.ErrNotFound
	}
	rec.TokenHash = ""
	s.secrets[tenantID] = rec
	return copyRecord(rec), nil
}

func (v SecretStore) ResetToken(_ context.Context, tenantID, tokenHash string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.secrets[tenantID]
	if !ok || rec.TokenHash == "" {
		return secrets.ErrNotFound
	}
	rec.TokenHash = tokenHash
	s.secrets[tenantID] = rec
	return nil
}

func (v SecretStore) Replace(_ context.Context, tenantID string, sealed []byte, rotatedAt time.Time) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.secrets[tenantID]
	if !ok {
		return secrets.ErrNotFound
	}
	rec.Sealed = append([]byte(nil), sealed...)
	at := rotatedAt
	rec.RotatedAt = &at
	s.secrets[tenantID] = rec
	return nil
}

func (v SecretStore) Delete(_ context.Context, tenantID string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, tenantID)
	return nil
}

// Webhooks returns the webhook id view of the store.
func (s *Store) Webhooks() WebhookStore {
	return WebhookStore{s}
}

// WebhookStore records processed webhook event ids.
type WebhookStore struct {
	s *Store
}

// InsertIfAbsent records a provider event id and reports whether it was new.
func (v WebhookStore) InsertIfAbsent(_ context.Context, provider, eventID string) (bool, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "\x00" + eventID
	if _, ok := s.webhooks[key]; ok {
		return false, nil
	}
	s.webhooks[key] = s.now().UTC()
	return true, nil
}

// Forget removes a recorded event id so the event can be redelivered.
func (v WebhookStore) Forget(_ context.Context, provider, eventID string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.webhooks, provider+"\x00"+eventID)
	return nil
}

func copyRecord(rec secrets.Record) secrets.Record {
	rec.Sealed = append([]byte(nil), rec.Sealed...)
	return rec
}
