package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/tenant"
)

func created(id string) events.Draft {
	return events.Draft{TenantID: id, Type: events.TypeTenantCreated}
}

func TestCreateAndTransition(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, ev, err := s.Create(ctx, tenant.Tenant{ID: "t1", Status: tenant.StatusPending, OwnerID: "alice"}, created("t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)

	_, _, err = s.Create(ctx, tenant.Tenant{ID: "t1"}, created("t1"))
	assert.ErrorIs(t, err, tenant.ErrAlreadyExists)

	got, ev, err := s.ApplyTransition(ctx, tenant.Transition{
		TenantID: "t1",
		From:     tenant.StatusPending,
		To:       tenant.StatusProvisioning,
		Change:   tenant.Change{AppName: tenant.Ptr("tp-t1")},
		Event:    events.Draft{TenantID: "t1", Type: events.TypeStatusChanged},
	})
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusProvisioning, got.Status)
	assert.Equal(t, "tp-t1", got.AppName)
	assert.Equal(t, int64(2), ev.Sequence)

	_, _, err = s.ApplyTransition(ctx, tenant.Transition{
		TenantID: "t1",
		From:     tenant.StatusPending,
		To:       tenant.StatusProvisioning,
		Event:    events.Draft{TenantID: "t1", Type: events.TypeStatusChanged},
	})
	assert.ErrorIs(t, err, tenant.ErrStaleStatus)

	log, err := s.ListSince(ctx, "t1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, log, 2, "stale transition must not append")

	_, _, err = s.ApplyTransition(ctx, tenant.Transition{TenantID: "missing"})
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tn := range []tenant.Tenant{
		{ID: "c", OwnerID: "alice", Status: tenant.StatusRunning, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "a", OwnerID: "alice", Status: tenant.StatusPending, CreatedAt: base},
		{ID: "b", OwnerID: "bob", Status: tenant.StatusRunning, CreatedAt: base.Add(time.Hour)},
	} {
		_, _, err := s.Create(ctx, tn, created(tn.ID))
		require.NoError(t, err, i)
	}

	tests := []struct {
		name   string
		filter tenant.Filter
		want   []string
	}{
		{"all", tenant.Filter{}, []string{"a", "b", "c"}},
		{"owner", tenant.Filter{OwnerID: "alice"}, []string{"a", "c"}},
		{"status", tenant.Filter{Status: tenant.StatusRunning}, []string{"b", "c"}},
		{"both", tenant.Filter{OwnerID: "bob", Status: tenant.StatusPending}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, tn := range got {
				ids = append(ids, tn.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListSince(t *testing.T) {
	ctx := context.Background()
	s := New()
	for range 5 {
		_, err := s.Append(ctx, events.Draft{TenantID: "t1", Type: events.TypeStepCompleted})
		require.NoError(t, err)
	}

	got, err := s.ListSince(ctx, "t1", 3, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Sequence)

	got, err = s.ListSince(ctx, "t1", 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence)

	got, err = s.ListSince(ctx, "t1", 6, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRotationClaim(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _, err := s.Create(ctx, tenant.Tenant{ID: "t1", Status: tenant.StatusRunning}, created("t1"))
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ok, err := s.ClaimRotation(ctx, "t1", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimRotation(ctx, "t1", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "claim within lease is held")

	ok, err = s.ClaimRotation(ctx, "t1", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim can be retaken")

	require.NoError(t, s.ReleaseRotation(ctx, "t1", "restart_machine"))
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.RotationPending)
	assert.Equal(t, "restart_machine", got.RotationStep)
	assert.Nil(t, got.RotationClaimedAt)

	require.NoError(t, s.ReleaseRotation(ctx, "t1", ""))
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got.RotationPending)
}

func TestConsumeTokenOnce(t *testing.T) {
	ctx := context.Background()
	v := New().Secrets()
	require.NoError(t, v.Insert(ctx, secrets.Record{TenantID: "t1", Sealed: []byte("x"), TokenHash: "h"}))
	assert.ErrorIs(t, v.Insert(ctx, secrets.Record{TenantID: "t1"}), secrets.ErrAlreadyExists)

	_, err := v.ConsumeToken(ctx, "t1", "wrong")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.ConsumeToken(ctx, "t1", "h"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	rotated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, v.Replace(ctx, "t1", []byte("y"), rotated))
	rec, err := v.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), rec.Sealed)
	require.NotNil(t, rec.RotatedAt)
	assert.Equal(t, rotated, *rec.RotatedAt)

	require.NoError(t, v.Delete(ctx, "t1"))
	_, err = v.Get(ctx, "t1")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestResetTokenOnlyBeforeConsumption(t *testing.T) {
	ctx := context.Background()
	v := New().Secrets()
	assert.ErrorIs(t, v.ResetToken(ctx, "t1", "h2"), secrets.ErrNotFound)

	require.NoError(t, v.Insert(ctx, secrets.Record{TenantID: "t1", Sealed: []byte("x"), TokenHash: "h1"}))
	require.NoError(t, v.ResetToken(ctx, "t1", "h2"))

	_, err := v.ConsumeToken(ctx, "t1", "h1")
	assert.ErrorIs(t, err, secrets.ErrNotFound, "the replaced token is dead")
	_, err = v.ConsumeToken(ctx, "t1", "h2")
	require.NoError(t, err)

	assert.ErrorIs(t, v.ResetToken(ctx, "t1", "h3"), secrets.ErrNotFound)
}

func TestWebhookInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	w := New().Webhooks()

	fresh, err := w.InsertIfAbsent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = w.InsertIfAbsent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = w.InsertIfAbsent(ctx, "generic", "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh, "ids are scoped per provider")

	require.NoError(t, w.Forget(ctx, "stripe", "evt_1"))
	fresh, err = w.InsertIfAbsent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, fresh)
}
