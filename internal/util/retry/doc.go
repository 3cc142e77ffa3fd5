// Package retry provides exponential backoff retry logic for transient failures.
//
// [WithExponentialBackoff] retries an operation a bounded number of times and is
// used for compute provider API calls. [Poll] waits for a condition under a
// bounded total timeout and is used for machine health checks.
package retry
