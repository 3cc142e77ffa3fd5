package provisioning

import (
	"errors"
	"fmt"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/naming"
)

// Step names.
const (
	StepCreateApp       = "create_app"
	StepCreateVolume    = "create_volume"
	StepAllocateIPv4    = "allocate_ipv4"
	StepAllocateIPv6    = "allocate_ipv6"
	StepGenerateSecrets = "generate_secrets"
	StepAddCertificate  = "add_certificate"
)

// DefaultSteps returns the pipeline in execution order.
func DefaultSteps() []Step {
	return []Step{
		stepFunc(StepCreateApp, createApp),
		stepFunc(StepCreateVolume, createVolume),
		stepFunc(StepAllocateIPv4, allocateIP(compute.IPv4Shared)),
		stepFunc(StepAllocateIPv6, allocateIP(compute.IPv6)),
		stepFunc(StepGenerateSecrets, generateSecrets),
		stepFunc(StepAddCertificate, addCertificate),
	}
}

type funcStep struct {
	name string
	fn   func(*Context) (StepResult, error)
}

func stepFunc(name string, fn func(*Context) (StepResult, error)) Step {
	return &funcStep{name: name, fn: fn}
}

func (s *funcStep) Name() string                         { return s.name }
func (s *funcStep) Run(ctx *Context) (StepResult, error) { return s.fn(ctx) }

func appName(ctx *Context) string {
	if ctx.Tenant.AppName != "" {
		return ctx.Tenant.AppName
	}
	return naming.App(ctx.Tenant.ID)
}

func createApp(ctx *Context) (StepResult, error) {
	app := appName(ctx)
	res, err := ctx.Provider.CreateApp(ctx, compute.AppSpec{
		Name:     app,
		TenantID: ctx.Tenant.ID,
		Region:   ctx.Region(),
	})
	if err != nil {
		return StepResult{}, err
	}
	ctx.State.App = res
	return StepResult{
		ID:             res.ID,
		Name:           app,
		AlreadyExisted: res.AlreadyExisted,
		Change:         tenant.Change{AppName: tenant.Ptr(app)},
	}, nil
}

func createVolume(ctx *Context) (StepResult, error) {
	app := appName(ctx)
	name := naming.Volume(app)
	res, err := ctx.Provider.CreateVolume(ctx, compute.VolumeSpec{
		App:    app,
		Name:   name,
		Region: ctx.Region(),
		SizeGB: ctx.Settings.VolumeSizeGB,
	})
	if err != nil {
		return StepResult{}, err
	}
	ctx.State.Volume = res
	return StepResult{
		ID:             res.ID,
		Name:           name,
		AlreadyExisted: res.AlreadyExisted,
		Change:         tenant.Change{VolumeID: tenant.Ptr(res.ID)},
	}, nil
}

func allocateIP(family compute.IPFamily) func(*Context) (StepResult, error) {
	return func(ctx *Context) (StepResult, error) {
		app := appName(ctx)
		name := naming.IPv4(app)
		if family == compute.IPv6 {
			name = naming.IPv6(app)
		}
		res, err := ctx.Provider.AllocateIP(ctx, compute.IPSpec{
			App:    app,
			Name:   name,
			Region: ctx.Region(),
			Family: family,
		})
		if err != nil {
			return StepResult{}, err
		}

		change := tenant.Change{}
		if family == compute.IPv6 {
			ctx.State.IPv6 = res
			change.IPv6 = tenant.Ptr(res.Address)
		} else {
			ctx.State.IPv4 = res
			change.IPv4 = tenant.Ptr(res.Address)
		}
		return StepResult{
			ID:             res.ID,
			Name:           name,
			AlreadyExisted: res.AlreadyExisted,
			Change:         change,
		}, nil
	}
}

func generateSecrets(ctx *Context) (StepResult, error) {
	_, err := ctx.Secrets.GenerateAndStore(ctx, ctx.Tenant.ID)
	existed := errors.Is(err, apperr.Conflict)
	if err != nil && !existed {
		return StepResult{}, fmt.Errorf("generate secrets: %w", err)
	}
	ctx.State.SecretsGenerated = true
	return StepResult{ID: ctx.Tenant.ID, AlreadyExisted: existed}, nil
}

func addCertificate(ctx *Context) (StepResult, error) {
	app := appName(ctx)
	hostname := naming.Hostname(app, ctx.Settings.DomainSuffix)
	name := naming.Certificate(app)
	res, err := ctx.Provider.AddCertificate(ctx, compute.CertificateSpec{
		App:      app,
		Name:     name,
		Hostname: hostname,
	})
	if err != nil {
		return StepResult{}, err
	}
	ctx.State.Certificate = res
	ctx.State.Hostname = hostname
	return StepResult{
		ID:             res.ID,
		Name:           name,
		AlreadyExisted: res.AlreadyExisted,
		Change:         tenant.Change{Hostname: tenant.Ptr(hostname)},
	}, nil
}
