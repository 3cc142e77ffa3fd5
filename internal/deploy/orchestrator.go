package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/config"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/lock"
	"github.com/imamik/tenantplane/internal/metrics"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/naming"
	"github.com/imamik/tenantplane/internal/util/retry"
)

const (
	pathCreate = "create"
	pathUpdate = "update"
)

var errMachineFailed = errors.New("machine reported failed")

// Request asks for an image to be deployed to a tenant.
type Request struct {
	TenantID string `json:"-"`
	Image    string `json:"image" validate:"required"`
}

// Outcome describes a finished deploy.
type Outcome struct {
	TenantID    string        `json:"tenant_id"`
	MachineID   string        `json:"machine_id"`
	Image       string        `json:"image"`
	FirstDeploy bool          `json:"first_deploy"`
	Status      tenant.Status `json:"status"`
}

// AccessChecker decides whether the caller in ctx may act on a tenant.
type AccessChecker interface {
	CanAccess(ctx context.Context, t tenant.Tenant) bool
}

// SecretsLoader returns a tenant's current secrets.
type SecretsLoader interface {
	Load(ctx context.Context, tenantID string) (secrets.Secrets, error)
}

// Publisher appends deploy events.
type Publisher interface {
	Publish(ctx context.Context, d events.Draft) (events.Event, error)
}

// Orchestrator performs deploys.
type Orchestrator struct {
	machine   *tenant.Machine
	provider  compute.Provider
	validator Validator
	access    AccessChecker
	secrets   SecretsLoader
	locker    lock.Locker
	publisher Publisher
	timeouts  *config.Timeouts
	memoryMB  int
	log       logr.Logger
}

// Config holds the orchestrator dependencies.
type Config struct {
	Machine   *tenant.Machine
	Provider  compute.Provider
	Validator Validator
	Access    AccessChecker
	Secrets   SecretsLoader
	Locker    lock.Locker
	Publisher Publisher
	Timeouts  *config.Timeouts
	// MemoryMB is used for tenants without a plan memory size.
	MemoryMB int
	Log      logr.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts = config.LoadTimeouts()
	}
	return &Orchestrator{
		machine:   cfg.Machine,
		provider:  cfg.Provider,
		validator: cfg.Validator,
		access:    cfg.Access,
		secrets:   cfg.Secrets,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		timeouts:  timeouts,
		memoryMB:  cfg.MemoryMB,
		log:       cfg.Log.WithName("deploy"),
	}
}

// Validator returns the image validator.
func (o *Orchestrator) Validator() Validator {
	return o.validator
}

// Deploy rolls req.Image out to the tenant and waits until the machine
// reports healthy. Rejected requests make no provider calls.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (Outcome, error) {
	const op = "deploy"

	t, err := o.machine.Get(ctx, req.TenantID)
	if err != nil {
		return Outcome{}, err
	}
	if !o.access.CanAccess(ctx, t) {
		// Same error as an unknown id, so callers cannot tell which tenant ids exist.
		return Outcome{}, apperr.NotFoundf("get tenant", "tenant %s not found", req.TenantID)
	}
	if err := o.validator.Validate(t.ID, req.Image); err != nil {
		return Outcome{}, err
	}

	release, ok, err := o.locker.TryLock(ctx, lock.DeployKey(t.ID))
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: acquire lock: %w", op, err)
	}
	if !ok {
		return Outcome{}, apperr.Conflictf(op, "a deploy is already in progress for tenant %s", t.ID)
	}
	defer release()

	// Re-read under the lock; a deploy that finished meanwhile changed it.
	if t, err = o.machine.Get(ctx, t.ID); err != nil {
		return Outcome{}, err
	}
	log := o.log.WithValues("tenant", t.ID, "image", req.Image)
	ctx = logr.NewContext(ctx, log)

	switch {
	case t.Status == tenant.StatusAwaitingDeploy && t.MachineID == "":
		return o.create(ctx, t, req.Image)
	case t.Status == tenant.StatusDeploying && t.MachineID != "":
		log.Info("resuming interrupted first deploy", "machine", t.MachineID)
		return o.update(ctx, t, req.Image, true)
	case t.Status == tenant.StatusRunning:
		return o.update(ctx, t, req.Image, false)
	default:
		return Outcome{}, apperr.New(apperr.KindState, op,
			fmt.Sprintf("tenant %s cannot be deployed in status %s", t.ID, t.Status))
	}
}

func (o *Orchestrator) create(ctx context.Context, t tenant.Tenant, image string) (Outcome, error) {
	log := logr.FromContextOrDiscard(ctx)
	o.publish(ctx, t.ID, events.TypeDeployStarted, map[string]any{"image": image, "first_deploy": true})

	sec, err := o.secrets.Load(ctx, t.ID)
	if err != nil {
		return Outcome{}, o.abort(ctx, t.ID, image, pathCreate, err)
	}

	app := t.AppName
	if app == "" {
		app = naming.App(t.ID)
	}
	memory := t.MemoryMB
	if memory == 0 {
		memory = o.memoryMB
	}
	spec := compute.MachineSpec{
		App:      app,
		Name:     naming.Machine(app),
		Region:   t.Region,
		Image:    image,
		MemoryMB: memory,
		VolumeID: t.VolumeID,
		IPv4ID:   naming.IPv4(app),
		IPv6ID:   naming.IPv6(app),
		Env:      secrets.Env(sec),
	}

	machineID, err := o.createMachine(ctx, spec)
	if err != nil {
		return Outcome{}, o.abort(ctx, t.ID, image, pathCreate, err)
	}
	log.Info("machine created", "machine", machineID)

	t, err = o.machine.TransitionFrom(ctx, t, tenant.StatusDeploying,
		tenant.Change{MachineID: tenant.Ptr(machineID)}, map[string]any{"image": image})
	if err != nil {
		return Outcome{}, err
	}
	return o.await(ctx, t, image, true)
}

// createMachine creates the machine and resolves an unknown outcome by
// looking the machine up by name. Creates are idempotent by name, so a
// machine that is still missing after an unknown outcome is created again.
func (o *Orchestrator) createMachine(ctx context.Context, spec compute.MachineSpec) (string, error) {
	res, err := o.provider.CreateMachine(ctx, spec)
	if err == nil {
		return res.ID, nil
	}
	if !compute.IsUnknown(err) {
		return "", err
	}

	logr.FromContextOrDiscard(ctx).Info("machine create outcome unknown, resolving by name", "machine", spec.Name)
	st, serr := o.provider.GetMachineStatus(ctx, spec.App, spec.Name)
	switch {
	case serr == nil && st.ID != "":
		return st.ID, nil
	case serr != nil && !errors.Is(serr, compute.ErrNotFound):
		return "", fmt.Errorf("resolve machine %s: %w", spec.Name, serr)
	}

	res, err = o.provider.CreateMachine(ctx, spec)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (o *Orchestrator) update(ctx context.Context, t tenant.Tenant, image string, first bool) (Outcome, error) {
	path := pathUpdate
	if first {
		path = pathCreate
	}
	o.publish(ctx, t.ID, events.TypeDeployStarted, map[string]any{"image": image, "first_deploy": first})

	if err := o.provider.UpdateMachineImage(ctx, t.AppName, t.MachineID, image); err != nil {
		if first {
			return Outcome{}, o.failFirst(ctx, t, image, err)
		}
		return Outcome{}, o.abort(ctx, t.ID, image, path, err)
	}
	return o.await(ctx, t, image, first)
}

// await polls the machine until it is healthy or the health deadline passes.
func (o *Orchestrator) await(ctx context.Context, t tenant.Tenant, image string, first bool) (Outcome, error) {
	log := logr.FromContextOrDiscard(ctx)

	err := retry.Poll(ctx, o.timeouts.MachineHealthy, func(ctx context.Context) (bool, error) {
		st, err := o.provider.GetMachineStatus(ctx, t.AppName, t.MachineID)
		if errors.Is(err, compute.ErrInvalidRequest) {
			return false, err
		}
		if err != nil {
			log.V(1).Info("machine status unavailable", "machine", t.MachineID, "error", err.Error())
			return false, nil
		}
		if st.State == compute.MachineFailed || st.State == compute.MachineDestroyed {
			return false, fmt.Errorf("%w: state %s", errMachineFailed, st.State)
		}
		return st.Ready(), nil
	},
		retry.WithInitialDelay(o.timeouts.PollInitialInterval),
		retry.WithMaxDelay(o.timeouts.PollMaxInterval),
	)

	if err != nil {
		if errors.Is(err, retry.ErrPollTimeout) {
			err = fmt.Errorf("machine did not report healthy within %d seconds", int(o.timeouts.MachineHealthy.Seconds()))
		}
		if first {
			return Outcome{}, o.failFirst(ctx, t, image, err)
		}
		return Outcome{}, o.abort(ctx, t.ID, image, pathUpdate, err)
	}

	out := Outcome{TenantID: t.ID, MachineID: t.MachineID, Image: image, FirstDeploy: first, Status: t.Status}
	if first {
		updated, err := o.machine.TransitionFrom(ctx, t, tenant.StatusRunning, tenant.Change{}, map[string]any{"image": image})
		if err != nil {
			return Outcome{}, err
		}
		out.Status = updated.Status
		metrics.RecordDeploy(pathCreate, "succeeded")
	} else {
		o.publish(ctx, t.ID, events.TypeDeploySucceeded, map[string]any{"image": image})
		metrics.RecordDeploy(pathUpdate, "succeeded")
	}
	log.Info("deploy succeeded", "machine", t.MachineID, "first_deploy", first)
	return out, nil
}

// failFirst moves a first deploy that already has a machine to failed.
func (o *Orchestrator) failFirst(ctx context.Context, t tenant.Tenant, image string, cause error) error {
	metrics.RecordDeploy(pathCreate, "failed")
	logr.FromContextOrDiscard(ctx).Error(cause, "first deploy failed", "machine", t.MachineID)

	_, err := o.machine.TransitionFrom(context.WithoutCancel(ctx), t, tenant.StatusFailed, tenant.Change{},
		map[string]any{"image": image, "error": cause.Error()})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to record deploy failure")
	}
	return apperr.Wrap(apperr.KindProvisioning, "deploy", cause.Error(), cause)
}

// abort reports a deploy failure that leaves the tenant status unchanged.
func (o *Orchestrator) abort(ctx context.Context, tenantID, image, path string, cause error) error {
	metrics.RecordDeploy(path, "failed")
	logr.FromContextOrDiscard(ctx).Error(cause, "deploy failed", "path", path)
	o.publish(context.WithoutCancel(ctx), tenantID, events.TypeDeployFailed, map[string]any{"image": image, "error": cause.Error()})
	return apperr.Wrap(apperr.KindProvisioning, "deploy", "deploy failed: "+cause.Error(), cause)
}

func (o *Orchestrator) publish(ctx context.Context, tenantID string, typ events.Type, payload map[string]any) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, events.Draft{TenantID: tenantID, Type: typ, Payload: payload}); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to publish event", "type", typ)
	}
}
