package hcloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/labels"
)

type volumeCreateParams struct {
	name     string
	location string
	sizeGB   int
	labels   map[string]string
}

// CreateVolume ensures the app's data volume exists. The volume is created
// unattached and formatted; CreateMachine attaches it.
func (c *RealClient) CreateVolume(ctx context.Context, spec compute.VolumeSpec) (compute.Result, error) {
	if spec.Name == "" || spec.SizeGB <= 0 {
		return compute.Result{}, fmt.Errorf("create volume: %w: name and positive size required", compute.ErrInvalidRequest)
	}

	params := volumeCreateParams{
		name:     spec.Name,
		location: spec.Region,
		sizeGB:   spec.SizeGB,
		labels:   labels.NewLabelBuilder(spec.App).WithRole(labels.RoleVolume).Build(),
	}

	vol, existed, err := (&EnsureOperation[*hcloud.Volume, volumeCreateParams]{
		Name:         spec.Name,
		ResourceType: "volume",
		Get:          c.client.Volume.Get,
		Create:       c.createVolumeWithDeps,
		Validate: func(v *hcloud.Volume) error {
			if v.Size < spec.SizeGB {
				return fmt.Errorf("volume %s exists with %d GB (expected at least %d): %w",
					spec.Name, v.Size, spec.SizeGB, compute.ErrInvalidRequest)
			}
			return nil
		},
		CreateOptsMapper: func() volumeCreateParams {
			return params
		},
	}).Execute(ctx, c)
	if err != nil {
		return compute.Result{}, err
	}

	return compute.Result{
		ID:             strconv.FormatInt(vol.ID, 10),
		Name:           vol.Name,
		AlreadyExisted: existed,
	}, nil
}

// createVolumeWithDeps resolves the location and creates the volume.
func (c *RealClient) createVolumeWithDeps(ctx context.Context, params volumeCreateParams) (*CreateResult[*hcloud.Volume], *hcloud.Response, error) {
	loc, err := c.resolveLocation(ctx, params.location)
	if err != nil {
		return nil, nil, err
	}

	res, resp, err := c.client.Volume.Create(ctx, hcloud.VolumeCreateOpts{
		Name:     params.name,
		Size:     params.sizeGB,
		Location: loc,
		Labels:   params.labels,
		Format:   hcloud.Ptr("ext4"),
	})
	if err != nil {
		return nil, resp, err
	}
	return &CreateResult[*hcloud.Volume]{
		Resource: res.Volume,
		Action:   res.Action,
		Actions:  res.NextActions,
	}, resp, nil
}

func (c *RealClient) deleteVolume(ctx context.Context, name string) error {
	return (&DeleteOperation[*hcloud.Volume]{
		Name:         name,
		ResourceType: "volume",
		Get:          c.client.Volume.Get,
		Delete:       c.client.Volume.Delete,
	}).Execute(ctx, c)
}
