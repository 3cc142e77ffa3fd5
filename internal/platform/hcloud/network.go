package hcloud

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/labels"
)

// Every app gets its own private network. Address ranges can be identical
// across apps because networks never peer.
const (
	appIPRange     = "10.0.0.0/16"
	appSubnetRange = "10.0.1.0/24"
)

// CreateApp ensures the app's private network and its cloud subnet exist.
func (c *RealClient) CreateApp(ctx context.Context, spec compute.AppSpec) (compute.Result, error) {
	if spec.Name == "" {
		return compute.Result{}, fmt.Errorf("create app: %w: empty name", compute.ErrInvalidRequest)
	}

	lbls := labels.NewLabelBuilder(spec.Name).
		WithTenant(spec.TenantID).
		WithRole(labels.RoleNetwork).
		Build()

	network, existed, err := (&EnsureOperation[*hcloud.Network, hcloud.NetworkCreateOpts]{
		Name:         spec.Name,
		ResourceType: "network",
		Get:          c.client.Network.Get,
		Create:       simpleCreate(c.client.Network.Create),
		Validate: func(network *hcloud.Network) error {
			if network.IPRange == nil || network.IPRange.String() != appIPRange {
				return fmt.Errorf("network %s exists but with different IP range (expected %s): %w",
					spec.Name, appIPRange, compute.ErrInvalidRequest)
			}
			return nil
		},
		CreateOptsMapper: func() hcloud.NetworkCreateOpts {
			_, ipNet, _ := net.ParseCIDR(appIPRange)
			_, subnet, _ := net.ParseCIDR(appSubnetRange)
			return hcloud.NetworkCreateOpts{
				Name:    spec.Name,
				IPRange: ipNet,
				Subnets: []hcloud.NetworkSubnet{{
					Type:        hcloud.NetworkSubnetTypeCloud,
					IPRange:     subnet,
					NetworkZone: hcloud.NetworkZone(c.settings.NetworkZone),
				}},
				Labels: lbls,
			}
		},
	}).Execute(ctx, c)
	if err != nil {
		return compute.Result{}, err
	}

	if existed {
		if err := c.ensureSubnet(ctx, network); err != nil {
			return compute.Result{}, err
		}
	}

	return compute.Result{
		ID:             strconv.FormatInt(network.ID, 10),
		Name:           network.Name,
		AlreadyExisted: existed,
	}, nil
}

// ensureSubnet adds the app subnet to a network created by an earlier,
// interrupted attempt.
func (c *RealClient) ensureSubnet(ctx context.Context, network *hcloud.Network) error {
	for _, subnet := range network.Subnets {
		if subnet.IPRange != nil && subnet.IPRange.String() == appSubnetRange {
			return nil
		}
	}

	_, ipNet, _ := net.ParseCIDR(appSubnetRange)
	opts := hcloud.NetworkAddSubnetOpts{
		Subnet: hcloud.NetworkSubnet{
			Type:        hcloud.NetworkSubnetTypeCloud,
			IPRange:     ipNet,
			NetworkZone: hcloud.NetworkZone(c.settings.NetworkZone),
		},
	}

	return c.do(ctx, "add subnet to "+network.Name, 0, func(ctx context.Context) error {
		action, _, err := c.client.Network.AddSubnet(ctx, network, opts)
		if err != nil {
			return fmt.Errorf("failed to add subnet: %w", err)
		}
		if err := c.client.Action.WaitFor(ctx, action); err != nil {
			return fmt.Errorf("failed to wait for subnet creation: %w", err)
		}
		return nil
	})
}

func (c *RealClient) deleteNetwork(ctx context.Context, name string) error {
	return (&DeleteOperation[*hcloud.Network]{
		Name:         name,
		ResourceType: "network",
		Get:          c.client.Network.Get,
		Delete:       c.client.Network.Delete,
	}).Execute(ctx, c)
}
