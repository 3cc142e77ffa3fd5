package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/lock"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/naming"
)

// ErrAborted reports that the tenant left provisioning, for example by
// being deleted, while the pipeline ran.
var ErrAborted = errors.New("tenant is no longer provisioning")

// Provisioner drives a tenant from pending to awaiting_deploy.
type Provisioner struct {
	machine   *tenant.Machine
	provider  compute.Provider
	secrets   SecretsGenerator
	locker    lock.Locker
	publisher Publisher
	settings  Settings
	steps     []Step
	log       logr.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithSteps replaces the default pipeline.
func WithSteps(steps ...Step) Option {
	return func(p *Provisioner) {
		p.steps = steps
	}
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(machine *tenant.Machine, provider compute.Provider, secrets SecretsGenerator, locker lock.Locker, publisher Publisher, settings Settings, log logr.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		machine:   machine,
		provider:  provider,
		secrets:   secrets,
		locker:    locker,
		publisher: publisher,
		settings:  settings,
		steps:     DefaultSteps(),
		log:       log.WithName("provisioner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision runs the pipeline for tenantID. It holds the tenant's
// provisioning lock for the whole run and fails with a Conflict error if
// another run holds it. A tenant already past provisioning is left alone.
// No resources are rolled back on failure.
func (p *Provisioner) Provision(ctx context.Context, tenantID string) error {
	const op = "provision"

	release, ok, err := p.locker.TryLock(ctx, lock.ProvisionKey(tenantID))
	if err != nil {
		return fmt.Errorf("%s: acquire lock: %w", op, err)
	}
	if !ok {
		return apperr.Conflictf(op, "tenant %s is already being provisioned", tenantID)
	}
	defer release()

	t, err := p.machine.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	log := p.log.WithValues("tenant", tenantID)

	switch t.Status {
	case tenant.StatusPending:
		t, err = p.machine.TransitionFrom(ctx, t, tenant.StatusProvisioning,
			tenant.Change{AppName: tenant.Ptr(naming.App(tenantID))}, nil)
		if err != nil {
			return err
		}
	case tenant.StatusProvisioning:
		// A previous run stopped without finishing. We hold the lock, so
		// nothing else is working on it.
		log.Info("resuming interrupted provisioning")
	case tenant.StatusAwaitingDeploy, tenant.StatusDeploying, tenant.StatusRunning:
		log.V(1).Info("tenant already provisioned", "status", t.Status)
		return nil
	default:
		return apperr.New(apperr.KindState, op, fmt.Sprintf("tenant %s cannot be provisioned in status %s", tenantID, t.Status))
	}

	obs := NewEventObserver(ctx, NewLogObserver(log), p.publisher, tenantID, log)
	pctx := &Context{
		Context:  ctx,
		Tenant:   t,
		State:    &State{},
		Provider: p.provider,
		Secrets:  p.secrets,
		Settings: p.settings,
		Observer: obs,
		Gate:     p.stillProvisioning,
	}

	err = RunSteps(pctx, p.steps, p.record)
	if errors.Is(err, ErrAborted) {
		log.Info("provisioning stopped", "reason", err.Error())
		return apperr.Wrap(apperr.KindState, op, "tenant left provisioning", err)
	}
	if err != nil {
		return p.fail(ctx, pctx.Tenant, err)
	}

	if _, err := p.machine.TransitionFrom(ctx, pctx.Tenant, tenant.StatusAwaitingDeploy, tenant.Change{},
		map[string]any{"hostname": pctx.State.Hostname}); err != nil {
		return err
	}
	log.Info("tenant provisioned", "hostname", pctx.State.Hostname)
	return nil
}

// stillProvisioning re-reads the tenant so a delete stops the pipeline at
// the next step.
func (p *Provisioner) stillProvisioning(ctx *Context) error {
	t, err := p.machine.Get(ctx, ctx.Tenant.ID)
	if err != nil {
		return err
	}
	if t.Status != tenant.StatusProvisioning {
		return fmt.Errorf("%w: status is %s", ErrAborted, t.Status)
	}
	return nil
}

func (p *Provisioner) record(ctx *Context, change tenant.Change) error {
	updated, err := p.machine.Update(ctx, ctx.Tenant.ID, change)
	if err != nil {
		return err
	}
	ctx.Tenant = updated
	return nil
}

func (p *Provisioner) fail(ctx context.Context, t tenant.Tenant, cause error) error {
	step := ""
	var se *StepError
	if errors.As(cause, &se) {
		step = se.Step
	}

	// Record the failure even if the caller's context is gone.
	_, terr := p.machine.TransitionFrom(context.WithoutCancel(ctx), t, tenant.StatusFailed, tenant.Change{},
		map[string]any{"step": step, "error": cause.Error()})
	if terr != nil {
		p.log.Error(terr, "failed to record provisioning failure", "tenant", t.ID, "step", step)
	}
	return apperr.Wrap(apperr.KindProvisioning, "provision", fmt.Sprintf("provisioning failed at step %s", step), cause)
}
