package hcloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/imamik/tenantplane/internal/compute"
)

// CleanupError represents accumulated errors from cleanup operations.
type CleanupError struct {
	Errors []error
}

func (e *CleanupError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("cleanup encountered %d errors: %v", len(e.Errors), e.Errors)
}

func (e *CleanupError) Unwrap() error {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return errors.Join(e.Errors...)
}

func (e *CleanupError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *CleanupError) HasErrors() bool {
	return len(e.Errors) > 0
}

// DestroyApp deletes every resource of an app. Missing resources are
// skipped, so a partial teardown can be repeated. The function attempts
// every deletion even if some fail and returns a CleanupError.
func (c *RealClient) DestroyApp(ctx context.Context, res compute.AppResources) error {
	c.log.Info("destroying app", "app", res.App)
	cleanupErrs := &CleanupError{}

	// Delete in order to respect dependencies:
	// 1. Server (holds the volume, primary IPs and network attachment)
	// 2. Certificate
	// 3. Primary IPs
	// 4. Volume
	// 5. Network
	// 6. Runtime objects
	steps := []struct {
		kind string
		name string
		fn   func(context.Context, string) error
	}{
		{"machine", res.Machine, c.deleteServer},
		{"certificate", res.Certificate, c.deleteCertificate},
		{"ipv4", res.IPv4, c.deletePrimaryIP},
		{"ipv6", res.IPv6, c.deletePrimaryIP},
		{"volume", res.Volume, c.deleteVolume},
		{"network", res.App, c.deleteNetwork},
	}
	for _, step := range steps {
		if step.name == "" {
			continue
		}
		if err := step.fn(ctx, step.name); err != nil {
			c.log.Error(err, "failed to delete resource", "app", res.App, "kind", step.kind, "name", step.name)
			cleanupErrs.Add(fmt.Errorf("%s: %w", step.kind, err))
		}
	}

	if c.objects != nil && res.App != "" {
		err := c.do(ctx, "delete objects for "+res.App, 0, func(ctx context.Context) error {
			return c.objects.DeletePrefix(ctx, "apps/"+res.App+"/")
		})
		cleanupErrs.Add(err)
	}

	if cleanupErrs.HasErrors() {
		return cleanupErrs
	}
	return nil
}
