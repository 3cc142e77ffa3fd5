package hcloud

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"gopkg.in/yaml.v3"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/labels"
	"github.com/imamik/tenantplane/internal/util/naming"
	"github.com/imamik/tenantplane/internal/util/seal"
)

// agentConfig is the user data handed to the machine agent baked into the
// runtime snapshot. The agent fetches its environment and image reference
// from object storage and restarts the workload on reboot.
type agentConfig struct {
	App           string             `yaml:"app"`
	ObjectStorage agentObjectStorage `yaml:"object_storage"`
	MachineKey    string             `yaml:"machine_key"`
	Health        agentHealth        `yaml:"health"`
}

type agentObjectStorage struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	SecretsObject string `yaml:"secrets_object"`
	ImageObject   string `yaml:"image_object"`
}

type agentHealth struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

type machineCreateParams struct {
	spec     compute.MachineSpec
	userData string
}

// CreateMachine ensures the app's machine exists. The machine environment
// and image reference are written to object storage first so the agent
// finds them on first boot.
func (c *RealClient) CreateMachine(ctx context.Context, spec compute.MachineSpec) (compute.Result, error) {
	if spec.Name == "" || spec.Image == "" {
		return compute.Result{}, fmt.Errorf("create machine: %w: name and image required", compute.ErrInvalidRequest)
	}

	if err := c.SetMachineSecrets(ctx, spec.App, spec.Env); err != nil {
		return compute.Result{}, err
	}
	if err := c.putImage(ctx, spec.App, spec.Image); err != nil {
		return compute.Result{}, err
	}

	userData, err := c.machineUserData(spec.App)
	if err != nil {
		return compute.Result{}, err
	}
	params := machineCreateParams{spec: spec, userData: userData}

	server, existed, err := (&EnsureOperation[*hcloud.Server, machineCreateParams]{
		Name:         spec.Name,
		ResourceType: "server",
		Timeout:      c.timeouts.MachineCreate,
		Get:          c.client.Server.Get,
		Create:       c.createServerWithDeps,
		CreateOptsMapper: func() machineCreateParams {
			return params
		},
	}).Execute(ctx, c)
	if err != nil {
		return compute.Result{}, err
	}

	return compute.Result{
		ID:             strconv.FormatInt(server.ID, 10),
		Name:           server.Name,
		AlreadyExisted: existed,
	}, nil
}

// createServerWithDeps resolves every referenced resource and creates the
// server attached to the app network, volume and primary IPs.
func (c *RealClient) createServerWithDeps(ctx context.Context, params machineCreateParams) (*CreateResult[*hcloud.Server], *hcloud.Response, error) {
	opts, err := c.buildServerCreateOpts(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	res, resp, err := c.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, resp, err
	}
	return &CreateResult[*hcloud.Server]{
		Resource: res.Server,
		Action:   res.Action,
		Actions:  res.NextActions,
	}, resp, nil
}

// buildServerCreateOpts resolves all dependencies and builds server creation options.
func (c *RealClient) buildServerCreateOpts(ctx context.Context, params machineCreateParams) (hcloud.ServerCreateOpts, error) {
	spec := params.spec

	typeName, err := c.serverTypeFor(spec.MemoryMB)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}
	serverType, _, err := c.client.ServerType.Get(ctx, typeName)
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get server type: %w", err)
	}
	if serverType == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("server type %s: %w", typeName, compute.ErrInvalidRequest)
	}

	image, err := c.resolveRuntimeImage(ctx, serverType.Architecture)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	loc, err := c.resolveLocation(ctx, spec.Region)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	network, _, err := c.client.Network.Get(ctx, spec.App)
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get network: %w", err)
	}
	if network == nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("network %s: %w", spec.App, compute.ErrNotFound)
	}

	volume, err := c.volumeRef(ctx, spec.VolumeID)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}
	ipv4, err := c.primaryIPRef(ctx, spec.IPv4ID)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}
	ipv6, err := c.primaryIPRef(ctx, spec.IPv6ID)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	lbls := labels.NewLabelBuilder(spec.App).WithRole(labels.RoleMachine).Build()

	return hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: serverType,
		Image:      image,
		Location:   loc,
		Labels:     lbls,
		UserData:   params.userData,
		Volumes:    []*hcloud.Volume{volume},
		Automount:  hcloud.Ptr(true),
		Networks:   []*hcloud.Network{network},
		PublicNet: &hcloud.ServerCreatePublicNet{
			EnableIPv4: true,
			EnableIPv6: true,
			IPv4:       ipv4,
			IPv6:       ipv6,
		},
	}, nil
}

// volumeRef resolves a volume by ID or name.
func (c *RealClient) volumeRef(ctx context.Context, ref string) (*hcloud.Volume, error) {
	if ref == "" {
		return nil, fmt.Errorf("volume reference: %w: empty", compute.ErrInvalidRequest)
	}
	vol, _, err := c.client.Volume.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume: %w", err)
	}
	if vol == nil {
		return nil, fmt.Errorf("volume %s: %w", ref, compute.ErrNotFound)
	}
	return vol, nil
}

// primaryIPRef resolves a primary IP by ID or name.
func (c *RealClient) primaryIPRef(ctx context.Context, ref string) (*hcloud.PrimaryIP, error) {
	if ref == "" {
		return nil, fmt.Errorf("primary IP reference: %w: empty", compute.ErrInvalidRequest)
	}
	pip, _, err := c.client.PrimaryIP.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary IP: %w", err)
	}
	if pip == nil {
		return nil, fmt.Errorf("primary IP %s: %w", ref, compute.ErrNotFound)
	}
	return pip, nil
}

// UpdateMachineImage points the machine at a new image and reboots it so
// the agent pulls and starts it.
func (c *RealClient) UpdateMachineImage(ctx context.Context, app, machineID, image string) error {
	if image == "" {
		return fmt.Errorf("update machine image: %w: empty image", compute.ErrInvalidRequest)
	}
	if err := c.putImage(ctx, app, image); err != nil {
		return err
	}
	return c.reboot(ctx, machineID)
}

// RestartMachine reboots the machine. The agent re-reads its environment on boot.
func (c *RealClient) RestartMachine(ctx context.Context, _, machineID string) error {
	return c.reboot(ctx, machineID)
}

func (c *RealClient) reboot(ctx context.Context, machine string) error {
	return c.do(ctx, "reboot machine "+machine, 0, func(ctx context.Context) error {
		server, err := c.lookupServer(ctx, machine)
		if err != nil {
			return err
		}
		action, _, err := c.client.Server.Reboot(ctx, server)
		if err != nil {
			return fmt.Errorf("failed to reboot server: %w", err)
		}
		if err := c.client.Action.WaitFor(ctx, action); err != nil {
			return fmt.Errorf("failed to wait for reboot: %w", err)
		}
		return nil
	})
}

// GetMachineStatus reports the machine state. A running machine is healthy
// only once its agent answers the health probe.
func (c *RealClient) GetMachineStatus(ctx context.Context, app, machine string) (compute.MachineStatus, error) {
	var server *hcloud.Server
	err := c.do(ctx, "get machine "+machine, 0, func(ctx context.Context) error {
		s, err := c.lookupServer(ctx, machine)
		if err != nil {
			return err
		}
		server = s
		return nil
	})
	if err != nil {
		return compute.MachineStatus{}, err
	}

	status := compute.MachineStatus{
		ID:    strconv.FormatInt(server.ID, 10),
		Name:  server.Name,
		State: machineState(server.Status),
	}
	if c.objects != nil {
		if data, err := c.objects.GetObject(ctx, naming.ImageObject(app)); err == nil {
			status.Image = strings.TrimSpace(string(data))
		}
	}
	if status.State == compute.MachineStarted {
		status.Healthy = c.probeHealth(ctx, ServerIPv4(server))
	}
	return status, nil
}

// SetMachineSecrets replaces the machine environment. The new values take
// effect on the next boot.
func (c *RealClient) SetMachineSecrets(ctx context.Context, app string, env map[string]string) error {
	if c.objects == nil {
		return errNoObjectStore
	}
	key, err := seal.DeriveKey(c.settings.MasterKey, machineKeyInfo(app))
	if err != nil {
		return fmt.Errorf("set machine secrets: %w", err)
	}
	plain, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("set machine secrets: %w", err)
	}
	sealed, err := seal.Seal(key, plain)
	if err != nil {
		return fmt.Errorf("set machine secrets: %w", err)
	}

	return c.do(ctx, "set secrets for "+app, 0, func(ctx context.Context) error {
		return c.objects.PutObject(ctx, naming.SecretsObject(app), sealed)
	})
}

func (c *RealClient) putImage(ctx context.Context, app, image string) error {
	if c.objects == nil {
		return errNoObjectStore
	}
	return c.do(ctx, "set image for "+app, 0, func(ctx context.Context) error {
		return c.objects.PutObject(ctx, naming.ImageObject(app), []byte(image))
	})
}

func (c *RealClient) machineUserData(app string) (string, error) {
	key, err := seal.DeriveKey(c.settings.MasterKey, machineKeyInfo(app))
	if err != nil {
		return "", fmt.Errorf("derive machine key: %w", err)
	}
	out, err := yaml.Marshal(agentConfig{
		App: app,
		ObjectStorage: agentObjectStorage{
			Endpoint:      c.settings.ObjectEndpoint,
			Bucket:        c.settings.ObjectBucket,
			SecretsObject: naming.SecretsObject(app),
			ImageObject:   naming.ImageObject(app),
		},
		MachineKey: hex.EncodeToString(key[:]),
		Health: agentHealth{
			Port: c.settings.HealthPort,
			Path: c.settings.HealthPath,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode user data: %w", err)
	}
	return string(out), nil
}

func machineKeyInfo(app string) string {
	return "machine:" + app
}

func (c *RealClient) deleteServer(ctx context.Context, name string) error {
	return (&DeleteOperation[*hcloud.Server]{
		Name:         name,
		ResourceType: "server",
		Get:          c.client.Server.Get,
		Delete: func(ctx context.Context, server *hcloud.Server) (*hcloud.Response, error) {
			res, resp, err := c.client.Server.DeleteWithResult(ctx, server)
			if err != nil {
				return resp, err
			}
			// Attached volume and primary IPs stay locked until the delete finishes.
			return resp, c.client.Action.WaitFor(ctx, res.Action)
		},
	}).Execute(ctx, c)
}
