// Package config defines the control plane configuration.
//
// [Config] is read from a YAML file by [LoadFile]; secret values may be
// supplied through TENANTPLANE_* environment variables instead. Provider and
// polling timeouts are loaded separately by [LoadTimeouts] so they can be
// tuned per environment without editing the file. Both are passed by value
// into the components that need them.
package config
