package config

import (
	"os"
	"strconv"
	"time"
)

// Timeouts holds all configurable timeout values.
// These values can be customized via environment variables.
type Timeouts struct {
	ProviderCall        time.Duration // Caller-supplied bound for a single provider operation
	MachineCreate       time.Duration // Bound for server creation including action wait
	Delete              time.Duration // Timeout for all delete operations
	HealthProbe         time.Duration // Timeout for one machine health probe
	MachineHealthy      time.Duration // Total time a deploy waits for a healthy machine
	PollInitialInterval time.Duration // First wait between machine status polls
	PollMaxInterval     time.Duration // Cap on the wait between machine status polls
	RotationLease       time.Duration // Age after which an unfinished rotation claim is stale
	RetryMaxAttempts    int           // Maximum number of retry attempts
	RetryInitialDelay   time.Duration // Initial delay between retries
	RetryMaxDelay       time.Duration // Cap on the delay between retries
}

// LoadTimeouts loads timeout configuration from environment variables.
// If an environment variable is not set or invalid, a default value is used.
//
// Environment Variables:
//   - TENANTPLANE_TIMEOUT_PROVIDER_CALL (default: 60s)
//   - TENANTPLANE_TIMEOUT_MACHINE_CREATE (default: 5m)
//   - TENANTPLANE_TIMEOUT_DELETE (default: 5m)
//   - TENANTPLANE_TIMEOUT_HEALTH_PROBE (default: 5s)
//   - TENANTPLANE_TIMEOUT_MACHINE_HEALTHY (default: 3m)
//   - TENANTPLANE_POLL_INITIAL_INTERVAL (default: 2s)
//   - TENANTPLANE_POLL_MAX_INTERVAL (default: 15s)
//   - TENANTPLANE_ROTATION_LEASE (default: 10m)
//   - TENANTPLANE_RETRY_MAX_ATTEMPTS (default: 5)
//   - TENANTPLANE_RETRY_INITIAL_DELAY (default: 1s)
//   - TENANTPLANE_RETRY_MAX_DELAY (default: 30s)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		ProviderCall:        parseDuration("TENANTPLANE_TIMEOUT_PROVIDER_CALL", 60*time.Second),
		MachineCreate:       parseDuration("TENANTPLANE_TIMEOUT_MACHINE_CREATE", 5*time.Minute),
		Delete:              parseDuration("TENANTPLANE_TIMEOUT_DELETE", 5*time.Minute),
		HealthProbe:         parseDuration("TENANTPLANE_TIMEOUT_HEALTH_PROBE", 5*time.Second),
		MachineHealthy:      parseDuration("TENANTPLANE_TIMEOUT_MACHINE_HEALTHY", 3*time.Minute),
		PollInitialInterval: parseDuration("TENANTPLANE_POLL_INITIAL_INTERVAL", 2*time.Second),
		PollMaxInterval:     parseDuration("TENANTPLANE_POLL_MAX_INTERVAL", 15*time.Second),
		RotationLease:       parseDuration("TENANTPLANE_ROTATION_LEASE", 10*time.Minute),
		RetryMaxAttempts:    parseInt("TENANTPLANE_RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelay:   parseDuration("TENANTPLANE_RETRY_INITIAL_DELAY", 1*time.Second),
		RetryMaxDelay:       parseDuration("TENANTPLANE_RETRY_MAX_DELAY", 30*time.Second),
	}
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}

	return i
}
