package hcloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/retry"
)

// isResourceLocked checks if an error indicates a resource is locked.
// Locked resources typically occur while another action is running on
// them. These errors are retryable.
func isResourceLocked(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceLocked,
		hcloud.ErrorCodeResourceUnavailable,
	)
}

// isInvalidParameter checks if an error indicates invalid parameters.
// These errors are fatal and should not be retried.
func isInvalidParameter(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeInvalidServerType,
		hcloud.ErrorCodeJSONError,
		hcloud.ErrorCodeForbidden,
		hcloud.ErrorCodeUnauthorized,
		hcloud.ErrorCodeTokenReadonly,
		hcloud.ErrorCodeProtected,
		hcloud.ErrorCodeResourceLimitExceeded,
		hcloud.ErrorUnsupportedError,
	)
}

// isAlreadyExists checks if a create failed because the name is taken.
// The resource is re-read by name instead of failing.
func isAlreadyExists(err error) bool {
	return isHCloudErrorCode(err, hcloud.ErrorCodeUniquenessError)
}

// isHCloudErrorCode checks if the error is an hcloud API error with one of the given codes.
func isHCloudErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	if err == nil {
		return false
	}

	var hcloudErr hcloud.Error
	if errors.As(err, &hcloudErr) {
		for _, code := range codes {
			if hcloudErr.Code == code {
				return true
			}
		}
	}
	return false
}

// IsNotFound checks if an error indicates a resource was not found.
func IsNotFound(err error) bool {
	return isHCloudErrorCode(err, hcloud.ErrorCodeNotFound)
}

// IsRateLimited checks if an error indicates rate limiting.
func IsRateLimited(err error) bool {
	return isHCloudErrorCode(err, hcloud.ErrorCodeRateLimitExceeded)
}

// classifyAttempt marks errors that must not be retried as fatal. Everything
// else (locks, rate limits, 5xx, network errors) stays retryable.
func classifyAttempt(err error) error {
	if err == nil {
		return nil
	}
	if isInvalidParameter(err) || IsNotFound(err) || errors.Is(err, compute.ErrNotFound) || errors.Is(err, compute.ErrInvalidRequest) {
		return retry.Fatal(err)
	}
	return err
}

// outcome converts the final error of an operation into one of the compute
// outcome errors. A call cut short by its deadline is reported as unknown
// because the provider may have applied it.
func outcome(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, compute.ErrOutcomeUnknown),
		errors.Is(err, compute.ErrInvalidRequest),
		errors.Is(err, compute.ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %v", op, compute.ErrOutcomeUnknown, err)
	case isInvalidParameter(err):
		return fmt.Errorf("%s: %w: %v", op, compute.ErrInvalidRequest, err)
	case IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, compute.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, compute.ErrUnavailable, err)
	}
}
