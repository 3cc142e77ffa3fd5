package hcloud

import (
	"context"
	"errors"

	"github.com/imamik/tenantplane/internal/compute"
)

var _ compute.Provider = (*RealClient)(nil)

var errNoObjectStore = errors.New("object store not configured")

// ObjectStore holds the per-app runtime objects a machine reads at boot
// and on reboot. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Settings controls placement and the machine runtime contract.
type Settings struct {
	NetworkZone string

	// RuntimeImageSelector selects the snapshot machines boot from.
	RuntimeImageSelector string

	// ServerTypes maps a memory size in MB to a server type name.
	ServerTypes map[int]string

	HealthPort int
	HealthPath string

	// ObjectEndpoint and ObjectBucket are handed to the machine agent.
	ObjectEndpoint string
	ObjectBucket   string

	// MasterKey derives the per-app key sealing the machine environment.
	MasterKey []byte
}
