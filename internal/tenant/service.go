package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/lock"
	"github.com/imamik/tenantplane/internal/util/naming"
	"github.com/imamik/tenantplane/internal/util/retry"
)

// SecretsDestroyer removes a tenant's stored secrets.
type SecretsDestroyer interface {
	Destroy(ctx context.Context, tenantID string) error
}

// EventPublisher appends and fans out an event outside any transition.
type EventPublisher interface {
	Publish(ctx context.Context, d events.Draft) (events.Event, error)
}

// NewTenant holds the fields a caller supplies when creating a tenant.
type NewTenant struct {
	ID       string
	Name     string
	OwnerID  string
	PlanID   string
	Region   string
	MemoryMB int
	// Source identifies what created the tenant, e.g. "webhook:stripe".
	Source string
}

// Service groups the tenant lifecycle operations that are not part of
// provisioning or deploys.
type Service struct {
	machine   *Machine
	secrets   SecretsDestroyer
	provider  compute.Provider
	publisher EventPublisher
	log       logr.Logger
	now       func() time.Time

	locker      lock.Locker
	lockWait    time.Duration
	lockPoll    time.Duration
	lockPollMax time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLocks makes Delete wait for running provisioning and deploys of the
// tenant, for at most wait, before it cleans up. poll and pollMax bound the
// wait between attempts.
func WithLocks(locker lock.Locker, wait, poll, pollMax time.Duration) ServiceOption {
	return func(s *Service) {
		s.locker = locker
		s.lockWait = wait
		s.lockPoll = poll
		s.lockPollMax = pollMax
	}
}

// NewService wires a Service. secrets and provider may be nil, in which case
// the matching delete step is skipped.
func NewService(machine *Machine, secrets SecretsDestroyer, provider compute.Provider, publisher EventPublisher, log logr.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		machine:     machine,
		secrets:     secrets,
		provider:    provider,
		publisher:   publisher,
		log:         log.WithName("tenant-service"),
		now:         time.Now,
		lockWait:    5 * time.Minute,
		lockPoll:    time.Second,
		lockPollMax: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Machine returns the state machine the service writes through.
func (s *Service) Machine() *Machine {
	return s.machine
}

// Create inserts a pending tenant and its tenant.created event.
func (s *Service) Create(ctx context.Context, in NewTenant) (Tenant, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return Tenant{}, apperr.Validationf("create tenant", "owner id is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now().UTC()
	t := Tenant{
		ID:        in.ID,
		Name:      in.Name,
		Status:    StatusPending,
		Region:    in.Region,
		MemoryMB:  in.MemoryMB,
		OwnerID:   in.OwnerID,
		PlanID:    in.PlanID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload := map[string]any{"status": string(StatusPending), "owner_id": in.OwnerID}
	if in.Source != "" {
		payload["source"] = in.Source
	}

	created, ev, err := s.machine.store.Create(ctx, t, events.Draft{
		TenantID: t.ID,
		Type:     events.TypeTenantCreated,
		Payload:  payload,
	})
	if err != nil {
		return Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	s.log.Info("tenant created", "tenant", created.ID, "owner", created.OwnerID)
	if s.machine.notifier != nil {
		s.machine.notifier.Notify(ev)
	}
	return created, nil
}

// Get returns a tenant.
func (s *Service) Get(ctx context.Context, id string) (Tenant, error) {
	return s.machine.Get(ctx, id)
}

// List returns the tenants matching f, oldest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Tenant, error) {
	out, err := s.machine.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return out, nil
}

// Suspend moves a running tenant to suspended.
func (s *Service) Suspend(ctx context.Context, id, reason string) (Tenant, error) {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return s.machine.Transition(ctx, id, StatusSuspended, Change{}, payload)
}

// Delete soft-deletes a tenant, destroys its secrets and tears down its
// provider resources. Cleanup starts once provisioning and deploys of the
// tenant have stopped. It is best effort: a failure is recorded as a
// teardown.failed event and does not fail the delete.
func (s *Service) Delete(ctx context.Context, id, reason string) (Tenant, error) {
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	t, err := s.machine.Transition(ctx, id, StatusDeleted, Change{}, payload)
	if err != nil {
		return Tenant{}, err
	}

	// The tenant is deleted now; cleanup must finish even if the caller leaves.
	ctx = context.WithoutCancel(ctx)

	release, err := s.awaitLocks(ctx, lock.ProvisionKey(id), lock.DeployKey(id))
	defer release()
	if err != nil {
		s.log.Error(err, "cleaning up while tenant work may still be running", "tenant", id)
	}

	// Provisioning may have stored fields since the transition.
	if latest, gerr := s.machine.Get(ctx, id); gerr == nil {
		t = latest
	}

	if s.secrets != nil {
		if err := s.secrets.Destroy(ctx, id); err != nil {
			s.log.Error(err, "failed to destroy secrets", "tenant", id)
			s.recordTeardownFailure(ctx, id, "secrets", err)
		}
	}

	if s.provider != nil && t.AppName != "" {
		if err := s.provider.DestroyApp(ctx, Resources(t)); err != nil {
			s.log.Error(err, "teardown failed", "tenant", id, "app", t.AppName)
			s.recordTeardownFailure(ctx, id, "provider", err)
		}
	}
	return t, nil
}

// awaitLocks takes every key, waiting for current holders to let go. The
// returned func releases whatever was taken, also when err is set.
func (s *Service) awaitLocks(ctx context.Context, keys ...string) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	if s.locker == nil {
		return releaseAll, nil
	}

	pending := keys
	err := retry.Poll(ctx, s.lockWait, func(ctx context.Context) (bool, error) {
		for len(pending) > 0 {
			release, ok, err := s.locker.TryLock(ctx, pending[0])
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			releases = append(releases, release)
			pending = pending[1:]
		}
		return true, nil
	}, retry.WithInitialDelay(s.lockPoll), retry.WithMaxDelay(s.lockPollMax))
	if err != nil {
		return releaseAll, fmt.Errorf("wait for %v: %w", pending, err)
	}
	return releaseAll, nil
}

func (s *Service) recordTeardownFailure(ctx context.Context, id, stage string, cause error) {
	if s.publisher == nil {
		return
	}
	_, err := s.publisher.Publish(ctx, events.Draft{
		TenantID: id,
		Type:     events.TypeTeardownFailed,
		Payload:  map[string]any{"stage": stage, "error": cause.Error()},
	})
	if err != nil {
		s.log.Error(err, "failed to record teardown failure", "tenant", id)
	}
}

// Resources returns the provider resource names of a tenant's app.
func Resources(t Tenant) compute.AppResources {
	app := t.AppName
	if app == "" {
		app = naming.App(t.ID)
	}
	return compute.AppResources{
		App:         app,
		Machine:     naming.Machine(app),
		Volume:      naming.Volume(app),
		IPv4:        naming.IPv4(app),
		IPv6:        naming.IPv6(app),
		Certificate: naming.Certificate(app),
	}
}
