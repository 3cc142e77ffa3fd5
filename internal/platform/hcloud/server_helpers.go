package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
)

// resolveLocation looks up a location by name.
func (c *RealClient) resolveLocation(ctx context.Context, location string) (*hcloud.Location, error) {
	if location == "" {
		return nil, nil
	}

	locObj, _, err := c.client.Location.Get(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to get location %s: %w", location, err)
	}
	if locObj == nil {
		return nil, fmt.Errorf("location %s: %w", location, compute.ErrInvalidRequest)
	}
	return locObj, nil
}

// serverTypeFor returns the smallest configured server type with at least
// memoryMB of memory.
func (c *RealClient) serverTypeFor(memoryMB int) (string, error) {
	sizes := make([]int, 0, len(c.settings.ServerTypes))
	for size := range c.settings.ServerTypes {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		if size >= memoryMB {
			return c.settings.ServerTypes[size], nil
		}
	}
	return "", fmt.Errorf("no server type with %d MB memory: %w", memoryMB, compute.ErrInvalidRequest)
}

// lookupServer finds a server by ID or name. A missing server is
// compute.ErrNotFound.
func (c *RealClient) lookupServer(ctx context.Context, idOrName string) (*hcloud.Server, error) {
	server, _, err := c.client.Server.Get(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil {
		return nil, fmt.Errorf("machine %s: %w", idOrName, compute.ErrNotFound)
	}
	return server, nil
}

// machineState maps a server status to the provider-neutral machine state.
func machineState(status hcloud.ServerStatus) compute.MachineState {
	switch status {
	case hcloud.ServerStatusInitializing:
		return compute.MachineCreated
	case hcloud.ServerStatusStarting, hcloud.ServerStatusMigrating, hcloud.ServerStatusRebuilding:
		return compute.MachineStarting
	case hcloud.ServerStatusRunning:
		return compute.MachineStarted
	case hcloud.ServerStatusStopping, hcloud.ServerStatusOff:
		return compute.MachineStopped
	case hcloud.ServerStatusDeleting:
		return compute.MachineDestroyed
	default:
		return compute.MachineFailed
	}
}

// probeHealth reports whether the machine agent answers its health endpoint
// with a 2xx status.
func (c *RealClient) probeHealth(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.HealthProbe)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", ip, c.settings.HealthPort, c.settings.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.V(1).Info("health probe failed", "url", url, "error", err.Error())
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ServerIPv4 returns the public IPv4 address of a server, or "".
func ServerIPv4(s *hcloud.Server) string {
	if s != nil && s.PublicNet.IPv4.IP != nil {
		return s.PublicNet.IPv4.IP.String()
	}
	return ""
}
