package labels

import "strings"

// Standard label keys for Hetzner Cloud resources.
const (
	// KeyTenant identifies which tenant a resource belongs to
	KeyTenant = "tenantplane.io/tenant"

	// KeyApp identifies the app (isolation boundary) a resource belongs to
	KeyApp = "tenantplane.io/app"

	// KeyRole identifies what the resource is for within the app
	KeyRole = "tenantplane.io/role"

	// KeyManagedBy identifies the management system
	KeyManagedBy = "tenantplane.io/managed-by"
)

// Role values
const (
	RoleNetwork     = "network"
	RoleVolume      = "volume"
	RoleIPv4        = "ipv4"
	RoleIPv6        = "ipv6"
	RoleCertificate = "certificate"
	RoleMachine     = "machine"
)

// ManagedByTenantplane is the KeyManagedBy value on every resource we create.
const ManagedByTenantplane = "tenantplane"

// LabelBuilder provides a fluent interface for building Hetzner Cloud resource labels.
type LabelBuilder struct {
	labels map[string]string
}

// NewLabelBuilder creates a new label builder with the app name pre-set.
func NewLabelBuilder(app string) *LabelBuilder {
	return &LabelBuilder{
		labels: map[string]string{
			KeyApp:       app,
			KeyManagedBy: ManagedByTenantplane,
		},
	}
}

// WithTenant adds the tenant label. Empty IDs are skipped.
func (lb *LabelBuilder) WithTenant(tenantID string) *LabelBuilder {
	if tenantID != "" {
		lb.labels[KeyTenant] = tenantID
	}
	return lb
}

// WithRole adds a role label.
func (lb *LabelBuilder) WithRole(role string) *LabelBuilder {
	lb.labels[KeyRole] = role
	return lb
}

// Merge adds all labels from the provided map.
func (lb *LabelBuilder) Merge(extra map[string]string) *LabelBuilder {
	for k, v := range extra {
		lb.labels[k] = v
	}
	return lb
}

// Build returns a copy of the labels map.
func (lb *LabelBuilder) Build() map[string]string {
	result := make(map[string]string, len(lb.labels))
	for k, v := range lb.labels {
		result[k] = v
	}
	return result
}

// SelectorForApp returns a label selector string for all resources of an app.
func SelectorForApp(app string) string {
	return KeyApp + "=" + app
}

// ParseSelector turns "k1=v1,k2=v2" into a map. Malformed pairs are skipped.
func ParseSelector(selector string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(selector, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
