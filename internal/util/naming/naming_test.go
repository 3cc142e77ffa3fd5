package naming

import "testing"

func TestNamingFunctions(t *testing.T) {
	app := App("3F2A-77")

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{name: "App", got: app, expected: "tp-3f2a-77"},
		{name: "Volume", got: Volume(app), expected: "tp-3f2a-77-data"},
		{name: "IPv4", got: IPv4(app), expected: "tp-3f2a-77-ipv4"},
		{name: "IPv6", got: IPv6(app), expected: "tp-3f2a-77-ipv6"},
		{name: "Certificate", got: Certificate(app), expected: "tp-3f2a-77-cert"},
		{name: "Machine", got: Machine(app), expected: "tp-3f2a-77-machine"},
		{name: "Hostname", got: Hostname(app, ".apps.example.com"), expected: "tp-3f2a-77.apps.example.com"},
		{name: "DatabaseRole", got: DatabaseRole("3F2A-77;drop"), expected: "tenant_3f2a_77drop"},
		{name: "ImageTag", got: ImageTag("3F2A-77"), expected: "tenant-3F2A-77"},
		{name: "SecretsObject", got: SecretsObject(app), expected: "apps/tp-3f2a-77/secrets.sealed"},
		{name: "ImageObject", got: ImageObject(app), expected: "apps/tp-3f2a-77/image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}
