package provisioning

import "github.com/imamik/tenantplane/internal/compute"

// State holds the results of completed steps. Later steps read the
// results of earlier ones.
type State struct {
	App         compute.Result
	Volume      compute.Result
	IPv4        compute.IPResult
	IPv6        compute.IPResult
	Certificate compute.Result
	Hostname    string

	SecretsGenerated bool
}
