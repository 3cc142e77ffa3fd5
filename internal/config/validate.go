package config

import (
	"encoding/hex"
	"fmt"
)

// ValidLocations contains all valid Hetzner Cloud datacenter locations.
// https://docs.hetzner.com/cloud/general/locations/
var ValidLocations = map[string]bool{
	"nbg1": true, // Nuremberg, Germany
	"fsn1": true, // Falkenstein, Germany
	"hel1": true, // Helsinki, Finland
	"ash":  true, // Ashburn, USA
	"hil":  true, // Hillsboro, USA
	"sin":  true, // Singapore
}

// ValidNetworkZones contains all valid Hetzner Cloud network zones.
var ValidNetworkZones = map[string]bool{
	"eu-central":   true,
	"us-east":      true,
	"us-west":      true,
	"ap-southeast": true,
}

// ValidWebhookKinds are the payment provider implementations compiled in.
var ValidWebhookKinds = map[string]bool{
	"stripe":  true,
	"generic": true,
}

// MasterKeySize is the decoded length of Secrets.MasterKey.
const MasterKeySize = 32

// MinSigningKeySize is the minimum length of the HMAC signing keys.
const MinSigningKeySize = 32

// Validate checks the configuration for common errors and returns a detailed error if validation fails.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.TenantHost == "" {
		return fmt.Errorf("database.tenant_host is required")
	}
	if c.HCloud.Token == "" {
		return fmt.Errorf("hcloud.token is required")
	}
	if !ValidLocations[c.HCloud.Location] {
		return fmt.Errorf("hcloud.location %q is not a valid location", c.HCloud.Location)
	}
	if !ValidNetworkZones[c.HCloud.NetworkZone] {
		return fmt.Errorf("hcloud.network_zone %q is not a valid network zone", c.HCloud.NetworkZone)
	}
	if c.HCloud.DomainSuffix == "" {
		return fmt.Errorf("hcloud.domain_suffix is required")
	}
	for mem, st := range c.HCloud.ServerTypes {
		if mem <= 0 || st == "" {
			return fmt.Errorf("hcloud.server_types: invalid entry %d=%q", mem, st)
		}
	}
	if c.ObjectStorage.Bucket == "" {
		return fmt.Errorf("object_storage.bucket is required")
	}
	if c.ObjectStorage.AccessKey == "" || c.ObjectStorage.SecretKey == "" {
		return fmt.Errorf("object_storage credentials are required")
	}
	if _, err := c.Secrets.DecodeMasterKey(); err != nil {
		return err
	}
	if c.Registry.Host == "" {
		return fmt.Errorf("registry.host is required")
	}
	if len(c.Registry.SigningKey) < MinSigningKeySize {
		return fmt.Errorf("registry.signing_key must be at least %d bytes", MinSigningKeySize)
	}
	if len(c.Auth.SigningKey) < MinSigningKeySize {
		return fmt.Errorf("auth.signing_key must be at least %d bytes", MinSigningKeySize)
	}
	if err := c.validateWebhooks(); err != nil {
		return fmt.Errorf("webhook validation failed: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("events.subscriber_buffer must be positive")
	}
	return nil
}

func (c *Config) validateWebhooks() error {
	seen := make(map[string]bool, len(c.Webhooks.Providers))
	for _, p := range c.Webhooks.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !ValidWebhookKinds[p.Kind] {
			return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
		}
		if p.Secret == "" {
			return fmt.Errorf("provider %q: secret is required", p.Name)
		}
	}
	return nil
}

// DecodeMasterKey returns the raw master key bytes.
func (s SecretsConfig) DecodeMasterKey() ([]byte, error) {
	if s.MasterKey == "" {
		return nil, fmt.Errorf("secrets.master_key is required")
	}
	key, err := hex.DecodeString(s.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.master_key must be hex encoded: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("secrets.master_key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
