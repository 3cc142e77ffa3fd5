package config

import "time"

// Config is the control plane configuration loaded from YAML with
// environment overrides for secret values.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	Database      DatabaseConfig      `yaml:"database"`
	HCloud        HCloudConfig        `yaml:"hcloud"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Registry      RegistryConfig      `yaml:"registry"`
	Auth          AuthConfig          `yaml:"auth"`
	Webhooks      WebhooksConfig      `yaml:"webhooks"`
	Events        EventsConfig        `yaml:"events"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// DrainDuration is how long /readyz reports unavailable before shutdown.
	DrainDuration time.Duration `yaml:"drain_duration"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DatabaseConfig holds the control plane database and the settings used to
// render tenant connection strings.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`

	// Tenant databases live on this server. The control plane role must be
	// allowed to create roles and databases.
	TenantHost    string `yaml:"tenant_host"`
	TenantPort    int    `yaml:"tenant_port"`
	TenantSSLMode string `yaml:"tenant_sslmode"`
}

// HCloudConfig configures the Hetzner Cloud compute provider.
type HCloudConfig struct {
	Token    string `yaml:"token"`
	Location string `yaml:"location"`
	// NetworkZone is used for the per-app subnet.
	NetworkZone string `yaml:"network_zone"`
	// RuntimeImageSelector selects the snapshot that carries the machine agent.
	RuntimeImageSelector string `yaml:"runtime_image_selector"`
	// ServerTypes maps a plan memory size in MB to a server type.
	ServerTypes map[int]string `yaml:"server_types"`
	// VolumeSizeGB is the data volume size of every app.
	VolumeSizeGB int `yaml:"volume_size_gb"`
	// DomainSuffix is appended to the app name to build the tenant hostname.
	DomainSuffix string `yaml:"domain_suffix"`
	HealthPort   int    `yaml:"health_port"`
	HealthPath   string `yaml:"health_path"`
}

// ObjectStorageConfig configures the S3-compatible bucket that backs the
// per-app secret store and runtime configuration read by machines.
type ObjectStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SecretsConfig holds the master key used to seal tenant secrets at rest.
type SecretsConfig struct {
	// MasterKey is 32 bytes, hex encoded.
	MasterKey string `yaml:"master_key"`
}

// RegistryConfig describes the shared container registry.
type RegistryConfig struct {
	Host       string        `yaml:"host"`
	Repository string        `yaml:"repository"`
	Username   string        `yaml:"username"`
	SigningKey string        `yaml:"signing_key"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// AuthConfig configures bearer token verification for API callers.
type AuthConfig struct {
	SigningKey string `yaml:"signing_key"`
	Issuer     string `yaml:"issuer"`
}

// WebhooksConfig lists the enabled payment providers.
type WebhooksConfig struct {
	Providers []WebhookProviderConfig `yaml:"providers"`
}

// WebhookProviderConfig configures one payment provider endpoint.
type WebhookProviderConfig struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"` // stripe or generic
	Secret    string        `yaml:"secret"`
	Tolerance time.Duration `yaml:"tolerance"`
}

// EventsConfig tunes the event stream.
type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	ReplayBatch      int           `yaml:"replay_batch"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
}

// Redacted returns a copy with secret values masked, suitable for logging.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.Database.URL = mask(c.Database.URL)
	c.HCloud.Token = mask(c.HCloud.Token)
	c.ObjectStorage.AccessKey = mask(c.ObjectStorage.AccessKey)
	c.ObjectStorage.SecretKey = mask(c.ObjectStorage.SecretKey)
	c.Secrets.MasterKey = mask(c.Secrets.MasterKey)
	c.Registry.SigningKey = mask(c.Registry.SigningKey)
	c.Auth.SigningKey = mask(c.Auth.SigningKey)
	providers := make([]WebhookProviderConfig, len(c.Webhooks.Providers))
	for i, p := range c.Webhooks.Providers {
		p.Secret = mask(p.Secret)
		providers[i] = p
	}
	c.Webhooks.Providers = providers
	return c
}
