package hcloud

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/util/retry"
)

// CreateResult wraps the result of a resource creation operation.
// It handles both single and multiple actions that may need to be awaited.
type CreateResult[T any] struct {
	Resource T
	Action   *hcloud.Action
	Actions  []*hcloud.Action
}

// DeleteOperation encapsulates deletion logic for any hcloud resource.
// It provides consistent retry, timeout, and error handling across all resource types.
//
// Usage example:
//
//	func (c *RealClient) deleteNetwork(ctx context.Context, name string) error {
//	    return (&DeleteOperation[*hcloud.Network]{
//	        Name:         name,
//	        ResourceType: "network",
//	        Get:          c.client.Network.Get,
//	        Delete:       c.client.Network.Delete,
//	    }).Execute(ctx, c)
//	}
type DeleteOperation[T any] struct {
	Name         string
	ResourceType string

	// Get retrieves the resource by name
	Get func(ctx context.Context, name string) (T, *hcloud.Response, error)

	// Delete removes the resource
	Delete func(ctx context.Context, resource T) (*hcloud.Response, error)
}

// Execute performs the delete operation with retry logic and timeout handling.
// The operation is idempotent - it succeeds if the resource doesn't exist.
// Locked resources are retried with exponential backoff.
func (op *DeleteOperation[T]) Execute(ctx context.Context, client *RealClient) error {
	ctx, cancel := context.WithTimeout(ctx, client.timeouts.Delete)
	defer cancel()

	err := retry.WithExponentialBackoff(ctx, func() error {
		resource, _, err := op.Get(ctx, op.Name)
		if err != nil {
			return classifyAttempt(fmt.Errorf("failed to get %s: %w", op.ResourceType, err))
		}

		if reflect.ValueOf(resource).IsNil() {
			return nil
		}

		_, err = op.Delete(ctx, resource)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			if isResourceLocked(err) || IsRateLimited(err) {
				return err
			}
			return classifyAttempt(err)
		}
		return nil
	}, client.retryOpts()...)

	return outcome(ctx, "delete "+op.ResourceType+" "+op.Name, err)
}

// EnsureOperation encapsulates get-or-create logic for any hcloud resource.
// Resources are identified by name, which is what makes every create safe
// to retry: a create that races another one, or whose response was lost,
// is resolved by reading the resource back by name.
//
// Usage example:
//
//	res, existed, err := (&EnsureOperation[*hcloud.Network, hcloud.NetworkCreateOpts]{
//	    Name:         name,
//	    ResourceType: "network",
//	    Get:          c.client.Network.Get,
//	    Create:       simpleCreate(c.client.Network.Create),
//	    Validate: func(network *hcloud.Network) error {
//	        if network.IPRange.String() != ipRange {
//	            return fmt.Errorf("network exists with different IP range")
//	        }
//	        return nil
//	    },
//	    CreateOptsMapper: func() hcloud.NetworkCreateOpts {
//	        return hcloud.NetworkCreateOpts{Name: name, IPRange: ipNet}
//	    },
//	}).Execute(ctx, c)
type EnsureOperation[T any, CreateOpts any] struct {
	Name         string
	ResourceType string

	// Timeout bounds the whole operation. Defaults to Timeouts.ProviderCall.
	Timeout time.Duration

	// Get retrieves the resource by name
	Get func(ctx context.Context, name string) (T, *hcloud.Response, error)

	// Create creates the resource with the given options
	Create func(ctx context.Context, opts CreateOpts) (*CreateResult[T], *hcloud.Response, error)

	// Validate checks if existing resource matches desired state (optional)
	Validate func(resource T) error

	// CreateOptsMapper maps input parameters to create options
	CreateOptsMapper func() CreateOpts
}

// Execute performs the ensure operation: get the existing resource, validate
// it if needed, or create a new one. The boolean result reports whether the
// resource already existed.
func (op *EnsureOperation[T, CreateOpts]) Execute(ctx context.Context, client *RealClient) (T, bool, error) {
	var zero T

	timeout := op.Timeout
	if timeout == 0 {
		timeout = client.timeouts.ProviderCall
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result  T
		existed bool
	)
	err := retry.WithExponentialBackoff(ctx, func() error {
		resource, _, err := op.Get(ctx, op.Name)
		if err != nil {
			return classifyAttempt(fmt.Errorf("failed to get %s: %w", op.ResourceType, err))
		}

		if !reflect.ValueOf(resource).IsNil() {
			if op.Validate != nil {
				if err := op.Validate(resource); err != nil {
					return retry.Fatal(err)
				}
			}
			result, existed = resource, true
			return nil
		}

		created, _, err := op.Create(ctx, op.CreateOptsMapper())
		if err != nil {
			if isAlreadyExists(err) {
				// Next attempt reads it back by name.
				return err
			}
			return classifyAttempt(fmt.Errorf("failed to create %s: %w", op.ResourceType, err))
		}

		if err := waitForActionResult(ctx, client.client, created); err != nil {
			return classifyAttempt(fmt.Errorf("failed to wait for %s creation: %w", op.ResourceType, err))
		}

		result, existed = created.Resource, false
		return nil
	}, client.retryOpts()...)
	if err != nil {
		return zero, false, outcome(ctx, "ensure "+op.ResourceType+" "+op.Name, err)
	}

	client.log.V(1).Info("ensured resource", "type", op.ResourceType, "name", op.Name, "existed", existed)
	return result, existed, nil
}

// do runs a non-idempotent-by-name provider call under the per-call
// timeout with the client's retry policy and maps its final error.
func (c *RealClient) do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout == 0 {
		timeout = c.timeouts.ProviderCall
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.WithExponentialBackoff(ctx, func() error {
		return classifyAttempt(fn(ctx))
	}, c.retryOpts()...)
	return outcome(ctx, op, err)
}

func (c *RealClient) retryOpts() []retry.Option {
	return []retry.Option{
		retry.WithMaxRetries(c.timeouts.RetryMaxAttempts),
		retry.WithInitialDelay(c.timeouts.RetryInitialDelay),
		retry.WithMaxDelay(c.timeouts.RetryMaxDelay),
	}
}

// waitForActions waits for one or more actions to complete.
func waitForActions(ctx context.Context, client *hcloud.Client, actions ...*hcloud.Action) error {
	if len(actions) == 0 {
		return nil
	}
	return client.Action.WaitFor(ctx, actions...)
}

// waitForActionResult waits for actions from a CreateResult.
// Handles both singular Action and plural Actions fields.
func waitForActionResult[T any](ctx context.Context, client *hcloud.Client, result *CreateResult[T]) error {
	var actions []*hcloud.Action
	if result.Action != nil {
		actions = append(actions, result.Action)
	}
	actions = append(actions, result.Actions...)
	return waitForActions(ctx, client, actions...)
}

// simpleCreate wraps create functions returning the resource directly.
// Use for: Network (return Resource, Response, error)
func simpleCreate[T any, Opts any](
	createFn func(context.Context, Opts) (T, *hcloud.Response, error),
) func(context.Context, Opts) (*CreateResult[T], *hcloud.Response, error) {
	return func(ctx context.Context, opts Opts) (*CreateResult[T], *hcloud.Response, error) {
		resource, resp, err := createFn(ctx, opts)
		if err != nil {
			return nil, resp, err
		}
		return &CreateResult[T]{Resource: resource}, resp, nil
	}
}
