// Package s3 provides a client for Hetzner Object Storage (S3-compatible).
//
// The control plane keeps one bucket of per-app runtime objects: the sealed
// machine environment and the image reference a machine should run. The
// client is bound to that bucket.
package s3
