package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/metrics"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/async"
)

// tenantNamespace derives tenant ids from provider event ids, so a
// redelivered event always maps to the same tenant.
var tenantNamespace = uuid.MustParse("5d0c7f3e-7a1b-4c55-9a43-2f1f7a0c9e11")

// Store records processed provider event ids.
type Store interface {
	// InsertIfAbsent reports whether the id was newly inserted.
	InsertIfAbsent(ctx context.Context, provider, eventID string) (bool, error)
	// Forget removes an id so a redelivery is processed again.
	Forget(ctx context.Context, provider, eventID string) error
}

// Tenants is the tenant lifecycle surface used by the ingestor.
type Tenants interface {
	Create(ctx context.Context, in tenant.NewTenant) (tenant.Tenant, error)
	Suspend(ctx context.Context, id, reason string) (tenant.Tenant, error)
	Delete(ctx context.Context, id, reason string) (tenant.Tenant, error)
}

// Provisioner provisions a pending tenant.
type Provisioner interface {
	Provision(ctx context.Context, tenantID string) error
}

// Runner schedules background work.
type Runner interface {
	Go(task async.Task) error
}

// Result reports what a delivery did.
type Result struct {
	EventID   string `json:"event_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
}

// Ingestor processes webhook deliveries.
type Ingestor struct {
	registry    *Registry
	store       Store
	tenants     Tenants
	provisioner Provisioner
	runner      Runner
	validate    *validator.Validate
	log         logr.Logger
	now         func() time.Time
}

// NewIngestor wires an Ingestor.
func NewIngestor(registry *Registry, store Store, tenants Tenants, provisioner Provisioner, runner Runner, log logr.Logger) *Ingestor {
	return &Ingestor{
		registry:    registry,
		store:       store,
		tenants:     tenants,
		provisioner: provisioner,
		runner:      runner,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log.WithName("webhook"),
		now:         time.Now,
	}
}

// Ingest verifies, parses and applies one delivery from provider.
//
// Only the first delivery of an event id acts. When acting fails the id
// is forgotten again so the provider's retry is processed.
func (in *Ingestor) Ingest(ctx context.Context, provider string, header http.Header, body []byte) (Result, error) {
	const op = "webhook"

	p, ok := in.registry.Get(provider)
	if !ok {
		return Result{}, apperr.NotFoundf(op, "unknown webhook provider %q", provider)
	}
	log := in.log.WithValues("provider", provider)

	if err := p.Verify(header, body, in.now()); err != nil {
		metrics.RecordWebhook(provider, "rejected")
		log.Info("webhook rejected", "error", err.Error())
		return Result{}, apperr.Wrap(apperr.KindUnauthorized, op, "invalid webhook signature", err)
	}

	ev, err := p.Parse(body)
	if err != nil {
		metrics.RecordWebhook(provider, "rejected")
		return Result{}, apperr.Wrap(apperr.KindValidation, op, "malformed webhook payload", err)
	}
	if ev.ID() == "" {
		metrics.RecordWebhook(provider, "rejected")
		return Result{}, apperr.Validationf(op, "webhook event id is required")
	}
	log = log.WithValues("event", ev.ID())

	if ignored, ok := ev.(Ignored); ok {
		metrics.RecordWebhook(provider, "ignored")
		log.V(1).Info("webhook event ignored", "type", ignored.Type)
		return Result{EventID: ev.ID(), Ignored: true}, nil
	}
	if err := in.validate.Struct(ev); err != nil {
		metrics.RecordWebhook(provider, "rejected")
		return Result{}, apperr.Wrap(apperr.KindValidation, op, "invalid webhook payload: "+err.Error(), err)
	}

	inserted, err := in.store.InsertIfAbsent(ctx, provider, ev.ID())
	if err != nil {
		return Result{}, fmt.Errorf("%s: record event id: %w", op, err)
	}
	if !inserted {
		metrics.RecordWebhook(provider, "duplicate")
		log.Info("duplicate webhook delivery")
		return Result{EventID: ev.ID(), Duplicate: true}, nil
	}

	ctx = logr.NewContext(ctx, log)
	var res Result
	switch e := ev.(type) {
	case ProvisionRequested:
		res, err = in.provision(ctx, provider, e)
	case CancellationRequested:
		res, err = in.cancel(ctx, e)
	case SuspensionRequested:
		res, err = in.suspend(ctx, e)
	default:
		err = fmt.Errorf("%s: unsupported event %T", op, ev)
	}
	if err != nil {
		if ferr := in.store.Forget(context.WithoutCancel(ctx), provider, ev.ID()); ferr != nil {
			log.Error(ferr, "failed to forget webhook event id")
		}
		return Result{}, err
	}
	metrics.RecordWebhook(provider, "accepted")
	return res, nil
}

func (in *Ingestor) provision(ctx context.Context, provider string, e ProvisionRequested) (Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	id := e.TenantID
	if id == "" {
		id = uuid.NewSHA1(tenantNamespace, []byte(provider+"/"+e.EventID)).String()
	}
	_, err := in.tenants.Create(ctx, tenant.NewTenant{
		ID:       id,
		Name:     e.Name,
		OwnerID:  e.OwnerID,
		PlanID:   e.PlanID,
		Region:   e.Region,
		MemoryMB: e.MemoryMB,
		Source:   "webhook:" + provider,
	})
	switch {
	case errors.Is(err, tenant.ErrAlreadyExists):
		log.Info("tenant already exists, scheduling provisioning", "tenant", id)
	case err != nil:
		return Result{}, err
	}

	err = in.runner.Go(async.Task{
		Name: "provision:" + id,
		Func: func(ctx context.Context) error {
			return in.provisioner.Provision(ctx, id)
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("schedule provisioning of %s: %w", id, err)
	}
	log.Info("provisioning scheduled", "tenant", id)
	return Result{EventID: e.EventID, TenantID: id}, nil
}

func (in *Ingestor) cancel(ctx context.Context, e CancellationRequested) (Result, error) {
	_, err := in.tenants.Delete(ctx, e.TenantID, "subscription cancelled")
	switch {
	case errors.Is(err, apperr.State), errors.Is(err, apperr.NotFound):
		logr.FromContextOrDiscard(ctx).Info("cancelled tenant already gone", "tenant", e.TenantID, "error", err.Error())
	case err != nil:
		return Result{}, err
	}
	return Result{EventID: e.EventID, TenantID: e.TenantID}, nil
}

func (in *Ingestor) suspend(ctx context.Context, e SuspensionRequested) (Result, error) {
	reason := e.Reason
	if reason == "" {
		reason = "suspended by billing"
	}
	_, err := in.tenants.Suspend(ctx, e.TenantID, reason)
	switch {
	case errors.Is(err, apperr.State), errors.Is(err, apperr.NotFound):
		logr.FromContextOrDiscard(ctx).Info("tenant not suspendable", "tenant", e.TenantID, "error", err.Error())
	case err != nil:
		return Result{}, err
	}
	return Result{EventID: e.EventID, TenantID: e.TenantID}, nil
}
