package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secret values from the file.
const (
	EnvHCloudToken        = "TENANTPLANE_HCLOUD_TOKEN"
	EnvDatabaseURL        = "TENANTPLANE_DATABASE_URL"
	EnvMasterKey          = "TENANTPLANE_MASTER_KEY"
	EnvS3AccessKey        = "TENANTPLANE_S3_ACCESS_KEY"
	EnvS3SecretKey        = "TENANTPLANE_S3_SECRET_KEY"
	EnvRegistrySigningKey = "TENANTPLANE_REGISTRY_SIGNING_KEY"
	EnvAuthSigningKey     = "TENANTPLANE_AUTH_SIGNING_KEY"
	// EnvWebhookSecretPrefix is followed by the upper-cased provider name.
	EnvWebhookSecretPrefix = "TENANTPLANE_WEBHOOK_SECRET_"
)

// LoadFile reads and parses the configuration from a YAML file, applies
// environment overrides and defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and finalizes it like LoadFile.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with only defaults and environment
// overrides applied. It is not validated.
func Default() *Config {
	var cfg Config
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.HCloud.Token, EnvHCloudToken)
	override(&c.Database.URL, EnvDatabaseURL)
	override(&c.Secrets.MasterKey, EnvMasterKey)
	override(&c.ObjectStorage.AccessKey, EnvS3AccessKey)
	override(&c.ObjectStorage.SecretKey, EnvS3SecretKey)
	override(&c.Registry.SigningKey, EnvRegistrySigningKey)
	override(&c.Auth.SigningKey, EnvAuthSigningKey)
	for i := range c.Webhooks.Providers {
		p := &c.Webhooks.Providers[i]
		override(&p.Secret, EnvWebhookSecretPrefix+strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
	}
}

func (c *Config) applyDefaults() {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}

	setString(&c.Server.Addr, ":8080")
	setString(&c.Server.MetricsAddr, ":9090")
	setDuration(&c.Server.ShutdownTimeout, 15*time.Second)
	setDuration(&c.Server.DrainDuration, 5*time.Second)

	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	setInt(&c.Database.TenantPort, 5432)
	setString(&c.Database.TenantSSLMode, "require")

	setString(&c.HCloud.Location, "fsn1")
	setString(&c.HCloud.NetworkZone, "eu-central")
	setString(&c.HCloud.RuntimeImageSelector, "tenantplane.io/runtime=agent")
	if len(c.HCloud.ServerTypes) == 0 {
		c.HCloud.ServerTypes = map[int]string{
			2048:  "cx22",
			4096:  "cx32",
			8192:  "cx42",
			16384: "cx52",
		}
	}
	setInt(&c.HCloud.VolumeSizeGB, 10)
	setInt(&c.HCloud.HealthPort, 8080)
	setString(&c.HCloud.HealthPath, "/healthz")

	setString(&c.ObjectStorage.Region, "eu-central")
	if c.ObjectStorage.Endpoint == "" {
		c.ObjectStorage.Endpoint = fmt.Sprintf("https://%s.your-objectstorage.com", c.HCloud.Location)
	}

	setString(&c.Registry.Repository, "tenants")
	setString(&c.Registry.Username, "tenant")
	setDuration(&c.Registry.TokenTTL, time.Hour)

	setString(&c.Auth.Issuer, "tenantplane")

	for i := range c.Webhooks.Providers {
		p := &c.Webhooks.Providers[i]
		setString(&p.Kind, p.Name)
		setDuration(&p.Tolerance, 5*time.Minute)
	}

	setInt(&c.Events.SubscriberBuffer, 64)
	setInt(&c.Events.ReplayBatch, 500)
	setDuration(&c.Events.Heartbeat, 15*time.Second)
}
