// Package async runs background work that outlives the request which
// started it, such as provisioning triggered by a webhook.
//
// A Runner bounds concurrency, detaches tasks from caller cancellation and
// waits for in-flight tasks on shutdown.
package async
