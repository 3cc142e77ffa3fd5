package hcloud

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/imamik/tenantplane/internal/config"
)

// RealClient implements compute.Provider using the Hetzner Cloud API.
type RealClient struct {
	client     *hcloud.Client
	timeouts   *config.Timeouts
	httpClient *http.Client
	objects    ObjectStore
	settings   Settings
	log        logr.Logger
	registerer prometheus.Registerer
}

// ClientOption configures a RealClient.
type ClientOption func(*RealClient)

// WithTimeouts sets custom timeouts for the client.
func WithTimeouts(t *config.Timeouts) ClientOption {
	return func(c *RealClient) {
		c.timeouts = t
	}
}

// WithHTTPClient sets the HTTP client used for machine health probes.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *RealClient) {
		c.httpClient = hc
	}
}

// WithHCloudClient sets a custom hcloud client (useful for testing).
func WithHCloudClient(hc *hcloud.Client) ClientOption {
	return func(c *RealClient) {
		c.client = hc
	}
}

// WithObjectStore sets the bucket used for per-app runtime objects.
func WithObjectStore(store ObjectStore) ClientOption {
	return func(c *RealClient) {
		c.objects = store
	}
}

// WithSettings sets placement and machine runtime settings.
func WithSettings(s Settings) ClientOption {
	return func(c *RealClient) {
		c.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) ClientOption {
	return func(c *RealClient) {
		c.log = log
	}
}

// WithRegisterer enables hcloud-go request instrumentation on reg.
// Ignored when WithHCloudClient is used.
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *RealClient) {
		c.registerer = reg
	}
}

// NewRealClient creates a new RealClient with optional configuration.
func NewRealClient(token string, opts ...ClientOption) *RealClient {
	c := &RealClient{
		timeouts:   config.LoadTimeouts(),
		httpClient: http.DefaultClient,
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		hopts := []hcloud.ClientOption{
			hcloud.WithToken(token),
			hcloud.WithApplication("tenantplane", ""),
		}
		if c.registerer != nil {
			hopts = append(hopts, hcloud.WithInstrumentation(c.registerer))
		}
		c.client = hcloud.NewClient(hopts...)
	}
	return c
}

// HCloudClient returns the underlying hcloud.Client for advanced operations.
func (c *RealClient) HCloudClient() *hcloud.Client {
	return c.client
}
