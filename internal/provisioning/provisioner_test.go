package provisioning_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/lock"
	"github.com/imamik/tenantplane/internal/provisioning"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/store/memory"
	"github.com/imamik/tenantplane/internal/tenant"
)

type fixture struct {
	store       *memory.Store
	provider    *compute.MockProvider
	locker      *lock.Local
	publisher   *events.Publisher
	machine     *tenant.Machine
	vault       *secrets.Vault
	provisioner *provisioning.Provisioner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		provider: &compute.MockProvider{},
		locker:   lock.NewLocal(),
	}
	publisher := events.NewPublisher(f.store)
	f.publisher = publisher
	f.machine = tenant.NewMachine(f.store, publisher, logr.Discard())
	vault, err := secrets.NewVault(f.store.Secrets(), f.store, &secrets.MockAdmin{}, f.provider, publisher, secrets.Config{
		MasterKey: []byte("0123456789abcdef0123456789abcdef"),
		DSN:       secrets.DSNConfig{Host: "db"},
	}, logr.Discard())
	require.NoError(t, err)
	f.vault = vault

	f.provisioner = provisioning.NewProvisioner(f.machine, f.provider, vault, f.locker, publisher, provisioning.Settings{
		Region:       "fsn1",
		VolumeSizeGB: 10,
		DomainSuffix: "apps.example.com",
	}, logr.Discard())
	return f
}

func (f *fixture) createTenant(t *testing.T, id string) {
	t.Helper()
	svc := tenant.NewService(f.machine, nil, nil, nil, logr.Discard())
	_, err := svc.Create(context.Background(), tenant.NewTenant{ID: id, OwnerID: "owner"})
	require.NoError(t, err)
}

func (f *fixture) events(t *testing.T, id string) []events.Event {
	t.Helper()
	evs, err := f.store.ListSince(context.Background(), id, 1, 0)
	require.NoError(t, err)
	return evs
}

func statusChanges(evs []events.Event, to tenant.Status) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == events.TypeStatusChanged && ev.Payload["to"] == string(to) {
			n++
		}
	}
	return n
}

func TestProvisionHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	require.NoError(t, f.provisioner.Provision(ctx, "T1"))

	got, err := f.store.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusAwaitingDeploy, got.Status)
	assert.Equal(t, "tp-t1", got.AppName)
	assert.Equal(t, "tp-t1.apps.example.com", got.Hostname)
	assert.NotEmpty(t, got.VolumeID)
	assert.NotEmpty(t, got.IPv4)
	assert.NotEmpty(t, got.IPv6)
	assert.Empty(t, got.MachineID)

	assert.Equal(t, []string{"CreateApp", "CreateVolume", "AllocateIP", "AllocateIP", "AddCertificate"}, f.provider.Calls())

	evs := f.events(t, "T1")
	var steps []string
	for _, ev := range evs {
		if ev.Type == events.TypeStepCompleted {
			steps = append(steps, ev.Payload["step"].(string))
			assert.Equal(t, false, ev.Payload["already_existed"])
		}
	}
	assert.Equal(t, []string{
		provisioning.StepCreateApp, provisioning.StepCreateVolume, provisioning.StepAllocateIPv4,
		provisioning.StepAllocateIPv6, provisioning.StepGenerateSecrets, provisioning.StepAddCertificate,
	}, steps)
	assert.Equal(t, 1, statusChanges(evs, tenant.StatusAwaitingDeploy))
	last := evs[len(evs)-1]
	assert.Equal(t, "tp-t1.apps.example.com", last.Payload["hostname"])

	assert.False(t, f.locker.Held(lock.ProvisionKey("T1")), "lock released")
}

func TestProvisionHandsRetrievalTokenToSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	sub, err := f.publisher.Subscribe(ctx, "T1", 1)
	require.NoError(t, err)
	defer sub.Close()
	first := <-sub.Events()
	require.Equal(t, events.TypeTenantCreated, first.Type)

	require.NoError(t, f.provisioner.Provision(ctx, "T1"))

	var token string
	timeout := time.After(5 * time.Second)
	for token == "" {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed: %v", sub.Err())
			if ev.Type == events.TypeCredentialsReady {
				token, _ = ev.Payload["retrieval_token"].(string)
				require.NotEmpty(t, token)
			}
		case <-timeout:
			t.Fatal("no credentials.ready event")
		}
	}

	got, err := f.vault.RetrieveOnce(ctx, "T1", token)
	require.NoError(t, err)
	assert.NotEmpty(t, got.DatabaseURL)
	assert.NotEmpty(t, got.SigningSecret)

	for _, ev := range f.events(t, "T1") {
		assert.NotContains(t, ev.Payload, "retrieval_token", "stored events never carry the token")
	}
}

func TestDeleteDuringProvisioningStopsPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.provider.CreateVolumeFunc = func(context.Context, compute.VolumeSpec) (compute.Result, error) {
		close(entered)
		<-unblock
		return compute.Result{ID: "v1", Name: "tp-t1-data"}, nil
	}
	svc := tenant.NewService(f.machine, f.vault, f.provider, f.publisher, logr.Discard(),
		tenant.WithLocks(f.locker, 5*time.Second, 5*time.Millisecond, 20*time.Millisecond))

	provisioned := make(chan error, 1)
	go func() { provisioned <- f.provisioner.Provision(ctx, "T1") }()
	<-entered

	deleted := make(chan error, 1)
	go func() {
		_, err := svc.Delete(ctx, "T1", "cancelled")
		deleted <- err
	}()
	require.Eventually(t, func() bool {
		got, _ := f.store.Get(ctx, "T1")
		return got.Status == tenant.StatusDeleted
	}, time.Second, 5*time.Millisecond)
	close(unblock)

	err := <-provisioned
	require.Error(t, err)
	assert.ErrorIs(t, err, provisioning.ErrAborted)
	require.NoError(t, <-deleted)

	assert.Equal(t, []string{"CreateApp", "CreateVolume", "DestroyApp"}, f.provider.Calls(),
		"nothing is created after the delete and teardown runs last")
	_, err = f.store.Secrets().Get(ctx, "T1")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	got, _ := f.store.Get(ctx, "T1")
	assert.Equal(t, tenant.StatusDeleted, got.Status)
	assert.Zero(t, statusChanges(f.events(t, "T1"), tenant.StatusFailed))
	assert.False(t, f.locker.Held(lock.ProvisionKey("T1")))
}

func TestProvisionFailureRecordsStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")
	f.provider.AllocateIPFunc = func(_ context.Context, spec compute.IPSpec) (compute.IPResult, error) {
		if spec.Family == compute.IPv6 {
			return compute.IPResult{}, compute.ErrInvalidRequest
		}
		return compute.IPResult{Result: compute.Result{ID: "4"}, Family: spec.Family, Address: "203.0.113.4"}, nil
	}

	err := f.provisioner.Provision(ctx, "T1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Provisioning)
	assert.ErrorIs(t, err, compute.ErrInvalidRequest)

	got, _ := f.store.Get(ctx, "T1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	assert.Equal(t, "203.0.113.4", got.IPv4, "completed steps are kept")

	evs := f.events(t, "T1")
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeStatusChanged, last.Type)
	assert.Equal(t, "failed", last.Payload["to"])
	assert.Equal(t, provisioning.StepAllocateIPv6, last.Payload["step"])
	assert.Contains(t, last.Payload["error"], "invalid request")

	assert.Zero(t, f.provider.CallCount("DestroyApp"), "no rollback")
	assert.False(t, f.locker.Held(lock.ProvisionKey("T1")))
}

func TestProvisionUnknownOutcomeIsResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	calls := 0
	f.provider.CreateVolumeFunc = func(context.Context, compute.VolumeSpec) (compute.Result, error) {
		calls++
		if calls == 1 {
			return compute.Result{}, compute.ErrOutcomeUnknown
		}
		return compute.Result{ID: "v1", Name: "tp-t1-data", AlreadyExisted: true}, nil
	}

	require.NoError(t, f.provisioner.Provision(ctx, "T1"))
	assert.Equal(t, 2, calls)

	got, _ := f.store.Get(ctx, "T1")
	assert.Equal(t, "v1", got.VolumeID)
	for _, ev := range f.events(t, "T1") {
		if ev.Type == events.TypeStepCompleted && ev.Payload["step"] == provisioning.StepCreateVolume {
			assert.Equal(t, true, ev.Payload["already_existed"])
		}
	}
}

func TestProvisionHeldLockIsConflict(t *testing.T) {
	f := newFixture(t)
	f.createTenant(t, "T1")
	release, ok, _ := f.locker.TryLock(context.Background(), lock.ProvisionKey("T1"))
	require.True(t, ok)
	defer release()

	err := f.provisioner.Provision(context.Background(), "T1")
	assert.ErrorIs(t, err, apperr.Conflict)
	assert.Empty(t, f.provider.Calls())
}

func TestProvisionConcurrentRunsCreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	gate := make(chan struct{})
	f.provider.CreateAppFunc = func(context.Context, compute.AppSpec) (compute.Result, error) {
		<-gate
		return compute.Result{ID: "1", Name: "tp-t1"}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.provisioner.Provision(ctx, "T1")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperr.Conflict)
		}
	}
	assert.Equal(t, 1, f.provider.CallCount("CreateApp"))
	assert.Equal(t, 1, f.provider.Created("tp-t1-data"))
	assert.Equal(t, 1, f.provider.Created("tp-t1-cert"))
	assert.Equal(t, 1, statusChanges(f.events(t, "T1"), tenant.StatusAwaitingDeploy))
}

func TestProvisionRerunAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")
	require.NoError(t, f.provisioner.Provision(ctx, "T1"))
	calls := len(f.provider.Calls())

	require.NoError(t, f.provisioner.Provision(ctx, "T1"))
	assert.Len(t, f.provider.Calls(), calls)
	assert.Equal(t, 1, statusChanges(f.events(t, "T1"), tenant.StatusAwaitingDeploy))
}

func TestProvisionResumesInterruptedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")

	// A previous process created the app and crashed while the tenant was
	// still provisioning.
	_, err := f.machine.Transition(ctx, "T1", tenant.StatusProvisioning, tenant.Change{AppName: tenant.Ptr("tp-t1")}, nil)
	require.NoError(t, err)
	_, err = f.provider.CreateApp(ctx, compute.AppSpec{Name: "tp-t1"})
	require.NoError(t, err)

	require.NoError(t, f.provisioner.Provision(ctx, "T1"))

	assert.Equal(t, 1, f.provider.Created("tp-t1"))
	for _, ev := range f.events(t, "T1") {
		if ev.Type == events.TypeStepCompleted && ev.Payload["step"] == provisioning.StepCreateApp {
			assert.Equal(t, true, ev.Payload["already_existed"])
		}
	}
}

func TestProvisionRejectsDeletedTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTenant(t, "T1")
	_, err := f.machine.Transition(ctx, "T1", tenant.StatusDeleted, tenant.Change{}, nil)
	require.NoError(t, err)

	err = f.provisioner.Provision(ctx, "T1")
	assert.ErrorIs(t, err, apperr.State)
	assert.Empty(t, f.provider.Calls())
}

func TestProvisionUnknownTenant(t *testing.T) {
	f := newFixture(t)
	err := f.provisioner.Provision(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.NotFound)
	assert.False(t, f.locker.Held(lock.ProvisionKey("missing")))
}
