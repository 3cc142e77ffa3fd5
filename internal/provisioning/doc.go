// Package provisioning builds a tenant's infrastructure.
//
// A Provisioner runs a fixed pipeline of steps against the compute
// provider and the secrets vault:
//
//	create_app -> create_volume -> allocate_ipv4 -> allocate_ipv6 -> generate_secrets -> add_certificate
//
// Every step is safe to re-run: creates are idempotent by name and a step
// whose resource already exists reports already_existed. A step whose
// provider call ended with an unknown outcome is re-run once, which
// resolves the outcome by re-querying.
//
// # Core Types
//
// Context carries the tenant, the dependencies, the observer and the State.
// Step defines a named unit of work. State accumulates step results that
// later steps read.
package provisioning
