package provisioning

import (
	"context"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/tenant"
)

// SecretsGenerator creates a tenant's secrets.
type SecretsGenerator interface {
	GenerateAndStore(ctx context.Context, tenantID string) (secrets.Secrets, error)
}

// Settings are the provisioning defaults applied to every tenant.
type Settings struct {
	Region       string
	VolumeSizeGB int
	DomainSuffix string
}

// Context wraps all dependencies and state needed by a provisioning step.
type Context struct {
	context.Context
	Tenant   tenant.Tenant
	State    *State
	Provider compute.Provider
	Secrets  SecretsGenerator
	Settings Settings
	Observer Observer

	// Gate, when set, runs before every step. An error stops the pipeline
	// before the step starts.
	Gate func(ctx *Context) error
}

// Region returns the tenant's region or the configured default.
func (c *Context) Region() string {
	if c.Tenant.Region != "" {
		return c.Tenant.Region
	}
	return c.Settings.Region
}
