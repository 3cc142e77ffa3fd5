// Package labels provides consistent labeling for Hetzner Cloud resources.
//
// All labels use the tenantplane.io domain prefix and follow a builder
// pattern for constructing label sets with tenant, app and role
// identification.
package labels
