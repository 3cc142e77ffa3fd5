// Package secrets generates, stores and rotates the credentials a tenant's
// application needs: a database role on the shared tenant database server
// and an application signing secret.
//
// Secrets are sealed at rest under a key derived from the master key. The
// plaintext leaves the vault in three ways only: once to the provisioner at
// generation, once to the holder of the one-time retrieval token, and as
// the machine environment handed to the compute provider.
//
// Rotation runs three external steps in order (database password, provider
// secret store, machine restart) and then persists the new material. A
// failed step marks the tenant rotation_pending and names the step; the
// next rotation starts over with fresh material.
package secrets
