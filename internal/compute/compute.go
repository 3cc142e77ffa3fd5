// Package compute defines the provider-neutral compute surface used by the
// control plane: apps, volumes, IP addresses, certificates and machines.
//
// Every create operation is idempotent by resource name. Callers may retry
// any call after an error; a create that finds its resource already present
// reports Result.AlreadyExisted instead of failing.
package compute

import (
	"context"
	"errors"
)

// Outcome errors. Implementations wrap one of these so callers never see raw
// transport errors.
var (
	// ErrInvalidRequest marks a request the provider rejected as malformed.
	// It is never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOutcomeUnknown marks a call whose deadline expired before the
	// provider answered. The operation may or may not have taken effect;
	// callers must re-query to resolve it.
	ErrOutcomeUnknown = errors.New("outcome unknown")

	// ErrNotFound marks a reference to a resource the provider does not have.
	ErrNotFound = errors.New("resource not found")

	// ErrUnavailable marks a transient failure that persisted through the
	// client's retry budget.
	ErrUnavailable = errors.New("provider unavailable")
)

// IsUnknown reports whether err is an ambiguous timeout outcome.
func IsUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

// IPFamily selects the address family of an allocated IP.
type IPFamily string

const (
	IPv4Shared IPFamily = "ipv4"
	IPv6       IPFamily = "ipv6"
)

// MachineState is the lifecycle state reported by the provider.
type MachineState string

const (
	MachineCreated   MachineState = "created"
	MachineStarting  MachineState = "starting"
	MachineStarted   MachineState = "started"
	MachineStopped   MachineState = "stopped"
	MachineFailed    MachineState = "failed"
	MachineDestroyed MachineState = "destroyed"
)

// Result describes a created or pre-existing resource.
type Result struct {
	ID             string
	Name           string
	AlreadyExisted bool
}

// IPResult describes an allocated IP address.
type IPResult struct {
	Result
	Family  IPFamily
	Address string
}

// AppSpec describes the isolation boundary that groups a tenant's resources.
type AppSpec struct {
	Name     string
	TenantID string
	Region   string
}

// VolumeSpec describes the tenant's persistent data volume.
type VolumeSpec struct {
	App    string
	Name   string
	Region string
	SizeGB int
}

// IPSpec describes a public address allocation.
type IPSpec struct {
	App    string
	Name   string
	Region string
	Family IPFamily
}

// CertificateSpec describes a managed TLS certificate for the tenant hostname.
type CertificateSpec struct {
	App      string
	Name     string
	Hostname string
}

// MachineSpec describes the tenant's application machine.
type MachineSpec struct {
	App      string
	Name     string
	Region   string
	Image    string
	MemoryMB int
	// VolumeID, IPv4ID and IPv6ID accept a resource ID or name.
	VolumeID string
	IPv4ID   string
	IPv6ID   string
	Env      map[string]string
}

// MachineStatus is a point-in-time view of a machine.
type MachineStatus struct {
	ID      string
	Name    string
	State   MachineState
	Image   string
	Healthy bool
}

// Ready reports whether the machine has started and passed its health check.
func (s MachineStatus) Ready() bool {
	return s.State == MachineStarted && s.Healthy
}

// AppResources names everything created for one app, for teardown.
type AppResources struct {
	App         string
	Machine     string
	Volume      string
	IPv4        string
	IPv6        string
	Certificate string
}

// Provider is the compute provider surface.
type Provider interface {
	CreateApp(ctx context.Context, spec AppSpec) (Result, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) (Result, error)
	AllocateIP(ctx context.Context, spec IPSpec) (IPResult, error)
	AddCertificate(ctx context.Context, spec CertificateSpec) (Result, error)
	CreateMachine(ctx context.Context, spec MachineSpec) (Result, error)
	UpdateMachineImage(ctx context.Context, app, machineID, image string) error
	// GetMachineStatus accepts either a machine ID or a machine name.
	GetMachineStatus(ctx context.Context, app, machine string) (MachineStatus, error)
	SetMachineSecrets(ctx context.Context, app string, env map[string]string) error
	RestartMachine(ctx context.Context, app, machineID string) error
	DestroyApp(ctx context.Context, res AppResources) error
}
