package hcloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/labels"
)

// primaryIPCreateParams holds parameters for creating a primary IP.
type primaryIPCreateParams struct {
	name     string
	location string
	ipType   hcloud.PrimaryIPType
	labels   map[string]string
}

// AllocateIP ensures a primary IP of the requested family exists. Primary
// IPs outlive server replacement, so the tenant's address is stable.
func (c *RealClient) AllocateIP(ctx context.Context, spec compute.IPSpec) (compute.IPResult, error) {
	var (
		ipType hcloud.PrimaryIPType
		role   string
	)
	switch spec.Family {
	case compute.IPv4Shared:
		ipType, role = hcloud.PrimaryIPTypeIPv4, labels.RoleIPv4
	case compute.IPv6:
		ipType, role = hcloud.PrimaryIPTypeIPv6, labels.RoleIPv6
	default:
		return compute.IPResult{}, fmt.Errorf("allocate ip: %w: unknown family %q", compute.ErrInvalidRequest, spec.Family)
	}

	params := primaryIPCreateParams{
		name:     spec.Name,
		location: spec.Region,
		ipType:   ipType,
		labels:   labels.NewLabelBuilder(spec.App).WithRole(role).Build(),
	}

	pip, existed, err := (&EnsureOperation[*hcloud.PrimaryIP, primaryIPCreateParams]{
		Name:         spec.Name,
		ResourceType: "primary IP",
		Get:          c.client.PrimaryIP.Get,
		Create:       c.createPrimaryIPWithDeps,
		Validate: func(p *hcloud.PrimaryIP) error {
			if p.Type != ipType {
				return fmt.Errorf("primary IP %s exists with type %s (expected %s): %w",
					spec.Name, p.Type, ipType, compute.ErrInvalidRequest)
			}
			return nil
		},
		CreateOptsMapper: func() primaryIPCreateParams {
			return params
		},
	}).Execute(ctx, c)
	if err != nil {
		return compute.IPResult{}, err
	}

	return compute.IPResult{
		Result: compute.Result{
			ID:             strconv.FormatInt(pip.ID, 10),
			Name:           pip.Name,
			AlreadyExisted: existed,
		},
		Family:  spec.Family,
		Address: pip.IP.String(),
	}, nil
}

// createPrimaryIPWithDeps resolves a datacenter in the location and creates
// an unassigned primary IP.
func (c *RealClient) createPrimaryIPWithDeps(ctx context.Context, params primaryIPCreateParams) (*CreateResult[*hcloud.PrimaryIP], *hcloud.Response, error) {
	dc, err := c.resolveDatacenter(ctx, params.location)
	if err != nil {
		return nil, nil, err
	}

	res, resp, err := c.client.PrimaryIP.Create(ctx, hcloud.PrimaryIPCreateOpts{
		Name:         params.name,
		Type:         params.ipType,
		AssigneeType: "server",
		Datacenter:   dc.Name,
		AutoDelete:   hcloud.Ptr(false),
		Labels:       params.labels,
	})
	if err != nil {
		return nil, resp, err
	}
	return &CreateResult[*hcloud.PrimaryIP]{
		Resource: res.PrimaryIP,
		Action:   res.Action,
	}, resp, nil
}

// resolveDatacenter returns the first datacenter in location.
func (c *RealClient) resolveDatacenter(ctx context.Context, location string) (*hcloud.Datacenter, error) {
	dcs, err := c.client.Datacenter.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list datacenters: %w", err)
	}
	for _, dc := range dcs {
		if dc.Location != nil && dc.Location.Name == location {
			return dc, nil
		}
	}
	return nil, fmt.Errorf("no datacenter in location %s: %w", location, compute.ErrInvalidRequest)
}

func (c *RealClient) deletePrimaryIP(ctx context.Context, name string) error {
	return (&DeleteOperation[*hcloud.PrimaryIP]{
		Name:         name,
		ResourceType: "primary IP",
		Get:          c.client.PrimaryIP.Get,
		Delete:       c.client.PrimaryIP.Delete,
	}).Execute(ctx, c)
}
