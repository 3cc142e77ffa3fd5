package hcloud

import (
	"context"
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
)

// resolveRuntimeImage returns the newest available snapshot matching the
// runtime image selector for the given architecture.
func (c *RealClient) resolveRuntimeImage(ctx context.Context, arch hcloud.Architecture) (*hcloud.Image, error) {
	images, err := c.client.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		ListOpts: hcloud.ListOpts{
			LabelSelector: c.settings.RuntimeImageSelector,
		},
		Type:         []hcloud.ImageType{hcloud.ImageTypeSnapshot},
		Status:       []hcloud.ImageStatus{hcloud.ImageStatusAvailable},
		Architecture: []hcloud.Architecture{arch},
		Sort:         []string{"created:desc"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime images: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no %s runtime image matches %q: %w",
			arch, c.settings.RuntimeImageSelector, compute.ErrInvalidRequest)
	}
	return images[0], nil
}
