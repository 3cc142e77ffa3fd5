// Package deploy validates image references and rolls them out to a
// tenant's machine.
package deploy

import (
	"fmt"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/util/naming"
)

// Validator accepts only the one image reference a tenant may deploy:
// {host}/{repository}:tenant-{id}, compared byte for byte.
type Validator struct {
	RegistryHost string
	Repository   string
}

// Expected returns the only image reference tenantID may deploy.
func (v Validator) Expected(tenantID string) string {
	return fmt.Sprintf("%s/%s:%s", v.RegistryHost, v.Repository, naming.ImageTag(tenantID))
}

// Validate rejects any image that differs from Expected(tenantID). No
// normalization is applied: case, digests, default registries and
// whitespace all count as differences.
func (v Validator) Validate(tenantID, image string) error {
	if image == "" {
		return apperr.Validationf("validate image", "image reference is required")
	}
	if want := v.Expected(tenantID); image != want {
		return apperr.Validationf("validate image", "image %q is not allowed for this tenant, expected %q", image, want)
	}
	return nil
}
