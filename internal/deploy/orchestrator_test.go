package deploy_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/auth"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/config"
	"github.com/imamik/tenantplane/internal/deploy"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/lock"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/store/memory"
	"github.com/imamik/tenantplane/internal/tenant"
)

const registry = "registry.example.com"

type fixture struct {
	store        *memory.Store
	provider     *compute.MockProvider
	locker       *lock.Local
	machine      *tenant.Machine
	vault        *secrets.Vault
	orchestrator *deploy.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		provider: &compute.MockProvider{},
		locker:   lock.NewLocal(),
	}
	publisher := events.NewPublisher(f.store)
	f.machine = tenant.NewMachine(f.store, publisher, logr.Discard())
	vault, err := secrets.NewVault(f.store.Secrets(), f.store, &secrets.MockAdmin{}, f.provider, publisher, secrets.Config{
		MasterKey: []byte("0123456789abcdef0123456789abcdef"),
		DSN:       secrets.DSNConfig{Host: "db"},
	}, logr.Discard())
	require.NoError(t, err)
	f.vault = vault

	f.orchestrator = deploy.NewOrchestrator(deploy.Config{
		Machine:   f.machine,
		Provider:  f.provider,
		Validator: deploy.Validator{RegistryHost: registry, Repository: "apps"},
		Access:    auth.OwnerChecker{},
		Secrets:   vault,
		Locker:    f.locker,
		Publisher: publisher,
		Timeouts: &config.Timeouts{
			MachineHealthy:      200 * time.Millisecond,
			PollInitialInterval: 5 * time.Millisecond,
			PollMaxInterval:     20 * time.Millisecond,
		},
		MemoryMB: 2048,
		Log:      logr.Discard(),
	})
	return f
}

// provisioned seeds a tenant in awaiting_deploy with stored secrets.
func (f *fixture) provisioned(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.store.Create(ctx, tenant.Tenant{
		ID:       id,
		OwnerID:  "alice",
		Status:   tenant.StatusAwaitingDeploy,
		AppName:  "tp-" + id,
		VolumeID: "7",
		Hostname: "tp-" + id + ".apps.example.com",
	}, events.Draft{TenantID: id, Type: events.TypeTenantCreated})
	require.NoError(t, err)
	_, err = f.vault.GenerateAndStore(ctx, id)
	require.NoError(t, err)
}

func owner() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "alice"})
}

func image(id string) string {
	return registry + "/apps:tenant-" + id
}

func (f *fixture) eventTypes(t *testing.T, id string) []events.Type {
	t.Helper()
	evs, err := f.store.ListSince(context.Background(), id, 1, 0)
	require.NoError(t, err)
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestFirstDeploy(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")

	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.True(t, out.FirstDeploy)
	assert.Equal(t, tenant.StatusRunning, out.Status)
	assert.NotEmpty(t, out.MachineID)

	got, _ := f.store.Get(context.Background(), "t1")
	assert.Equal(t, tenant.StatusRunning, got.Status)
	assert.Equal(t, out.MachineID, got.MachineID)
	assert.Equal(t, 1, f.provider.CallCount("CreateMachine"))
	assert.Zero(t, f.provider.CallCount("UpdateMachineImage"))
	assert.False(t, f.locker.Held(lock.DeployKey("t1")))
}

func TestFirstDeployPassesSecretsEnv(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	var spec compute.MachineSpec
	f.provider.CreateMachineFunc = func(_ context.Context, s compute.MachineSpec) (compute.Result, error) {
		spec = s
		return compute.Result{ID: "99", Name: s.Name}, nil
	}
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "99", State: compute.MachineStarted, Healthy: true}, nil
	}

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)

	sec, err := f.vault.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, secrets.Env(sec), spec.Env)
	assert.Equal(t, "tp-t1-machine", spec.Name)
	assert.Equal(t, "7", spec.VolumeID)
	assert.Equal(t, "tp-t1-ipv4", spec.IPv4ID)
	assert.Equal(t, 2048, spec.MemoryMB)
}

func TestDeployRejectsOtherTenantsImage(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "T1")

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "T1", Image: registry + "/apps:tenant-T2"})
	assert.ErrorIs(t, err, apperr.Validation)
	assert.Empty(t, f.provider.Calls(), "no provider calls for a rejected image")

	got, _ := f.store.Get(context.Background(), "T1")
	assert.Equal(t, tenant.StatusAwaitingDeploy, got.Status)
}

func TestDeployRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "mallory"})
	_, err := f.orchestrator.Deploy(ctx, deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.NotFound)
	assert.Empty(t, f.provider.Calls())

	_, err = f.orchestrator.Deploy(context.Background(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.NotFound)

	_, unknown := f.orchestrator.Deploy(ctx, deploy.Request{TenantID: "t9", Image: image("t9")})
	_, hidden := f.orchestrator.Deploy(ctx, deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.Equal(t, apperr.KindOf(unknown), apperr.KindOf(hidden), "existing and unknown tenants look the same")
	assert.Equal(t, strings.Replace(unknown.Error(), "t9", "t1", 1), hidden.Error())
}

func TestDeployUnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "nope", Image: image("nope")})
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestConcurrentDeployIsConflict(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.provider.CreateMachineFunc = func(_ context.Context, s compute.MachineSpec) (compute.Result, error) {
		close(entered)
		<-release
		return compute.Result{ID: "5", Name: s.Name}, nil
	}
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "5", State: compute.MachineStarted, Healthy: true}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
		done <- err
	}()
	<-entered

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.Conflict)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.provider.CallCount("CreateMachine"))
}

func TestFirstDeployUnhealthyFails(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "1", State: compute.MachineStarting}, nil
	}

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Provisioning)
	assert.Contains(t, apperr.MessageOf(err), "did not report healthy within")

	got, _ := f.store.Get(context.Background(), "t1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	assert.NotEmpty(t, got.MachineID)
	assert.Greater(t, f.provider.CallCount("GetMachineStatus"), 1, "status is polled")
}

func TestFirstDeployMachineFailedStopsPolling(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "1", State: compute.MachineFailed}, nil
	}

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.Provisioning)
	assert.Equal(t, 1, f.provider.CallCount("GetMachineStatus"))
}

func TestFirstDeployResolvesUnknownCreate(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	f.provider.CreateMachineFunc = func(context.Context, compute.MachineSpec) (compute.Result, error) {
		return compute.Result{}, compute.ErrOutcomeUnknown
	}
	f.provider.GetMachineStatusFunc = func(_ context.Context, _, machine string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "42", Name: machine, State: compute.MachineStarted, Healthy: true}, nil
	}

	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.Equal(t, "42", out.MachineID)
	assert.Equal(t, 1, f.provider.CallCount("CreateMachine"), "found by name, not created again")
}

func TestFirstDeployUnknownCreateNotFoundRecreates(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	var creates atomic.Int32
	f.provider.CreateMachineFunc = func(_ context.Context, s compute.MachineSpec) (compute.Result, error) {
		if creates.Add(1) == 1 {
			return compute.Result{}, compute.ErrOutcomeUnknown
		}
		return compute.Result{ID: "43", Name: s.Name}, nil
	}
	var lookups atomic.Int32
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		if lookups.Add(1) == 1 {
			return compute.MachineStatus{}, compute.ErrNotFound
		}
		return compute.MachineStatus{ID: "43", State: compute.MachineStarted, Healthy: true}, nil
	}

	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.Equal(t, "43", out.MachineID)
	assert.Equal(t, int32(2), creates.Load())
}

func TestFirstDeployCreateRejectedKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	f.provider.CreateMachineFunc = func(context.Context, compute.MachineSpec) (compute.Result, error) {
		return compute.Result{}, compute.ErrInvalidRequest
	}

	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.Provisioning)

	got, _ := f.store.Get(context.Background(), "t1")
	assert.Equal(t, tenant.StatusAwaitingDeploy, got.Status)
	assert.Empty(t, got.MachineID)
	assert.Contains(t, f.eventTypes(t, "t1"), events.TypeDeployFailed)
}

func TestUpdateDeploy(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)

	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.False(t, out.FirstDeploy)
	assert.Equal(t, tenant.StatusRunning, out.Status)
	assert.Equal(t, 1, f.provider.CallCount("CreateMachine"))
	assert.Equal(t, 1, f.provider.CallCount("UpdateMachineImage"))

	types := f.eventTypes(t, "t1")
	assert.Equal(t, events.TypeDeploySucceeded, types[len(types)-1])
}

func TestUpdateDeployCompletesOnHealth(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)

	var polls atomic.Int32
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		if polls.Add(1) < 3 {
			return compute.MachineStatus{State: compute.MachineStarting}, nil
		}
		// The machine does not report which image it runs.
		return compute.MachineStatus{State: compute.MachineStarted, Healthy: true}, nil
	}
	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusRunning, out.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestUpdateDeployTimeoutKeepsRunning(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	_, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)

	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{State: compute.MachineStarting}, nil
	}
	_, err = f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.Provisioning)

	got, _ := f.store.Get(context.Background(), "t1")
	assert.Equal(t, tenant.StatusRunning, got.Status)
	types := f.eventTypes(t, "t1")
	assert.Equal(t, events.TypeDeployFailed, types[len(types)-1])
}

func TestResumeInterruptedFirstDeploy(t *testing.T) {
	f := newFixture(t)
	f.provisioned(t, "t1")
	_, err := f.machine.Transition(context.Background(), "t1", tenant.StatusDeploying,
		tenant.Change{MachineID: tenant.Ptr("m1")}, nil)
	require.NoError(t, err)
	f.provider.GetMachineStatusFunc = func(context.Context, string, string) (compute.MachineStatus, error) {
		return compute.MachineStatus{ID: "m1", State: compute.MachineStarted, Healthy: true}, nil
	}

	out, err := f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	require.NoError(t, err)
	assert.True(t, out.FirstDeploy)
	assert.Equal(t, tenant.StatusRunning, out.Status)
	assert.Zero(t, f.provider.CallCount("CreateMachine"))
	assert.Equal(t, 1, f.provider.CallCount("UpdateMachineImage"))
}

func TestDeployWrongStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.Create(ctx, tenant.Tenant{ID: "t1", OwnerID: "alice", Status: tenant.StatusPending},
		events.Draft{TenantID: "t1", Type: events.TypeTenantCreated})
	require.NoError(t, err)

	_, err = f.orchestrator.Deploy(owner(), deploy.Request{TenantID: "t1", Image: image("t1")})
	assert.ErrorIs(t, err, apperr.State)
	assert.Empty(t, f.provider.Calls())
}
