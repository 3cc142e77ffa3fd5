package naming

import (
	"fmt"
	"strings"
)

// AppPrefix is prepended to tenant IDs to form app names.
const AppPrefix = "tp-"

func App(tenantID string) string {
	return AppPrefix + strings.ToLower(tenantID)
}

func Volume(app string) string {
	return fmt.Sprintf("%s-data", app)
}

func IPv4(app string) string {
	return fmt.Sprintf("%s-ipv4", app)
}

func IPv6(app string) string {
	return fmt.Sprintf("%s-ipv6", app)
}

func Certificate(app string) string {
	return fmt.Sprintf("%s-cert", app)
}

func Machine(app string) string {
	return fmt.Sprintf("%s-machine", app)
}

// Hostname returns the public hostname of an app.
func Hostname(app, domainSuffix string) string {
	return fmt.Sprintf("%s.%s", app, strings.TrimPrefix(domainSuffix, "."))
}

// DatabaseRole returns the per-tenant database role and database name.
// Only [a-z0-9_] survive so the value is a valid unquoted identifier.
func DatabaseRole(tenantID string) string {
	var b strings.Builder
	b.WriteString("tenant_")
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ImageTag returns the only tag a tenant may deploy.
func ImageTag(tenantID string) string {
	return "tenant-" + tenantID
}

// SecretsObject and ImageObject are the object storage keys a machine reads
// its environment and image reference from.
func SecretsObject(app string) string {
	return fmt.Sprintf("apps/%s/secrets.sealed", app)
}

func ImageObject(app string) string {
	return fmt.Sprintf("apps/%s/image", app)
}
