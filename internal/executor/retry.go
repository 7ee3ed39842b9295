package executor

import (
	"context"
	"time"

	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

// Retryable classifies an attempt outcome under the step's retry policy.
// Timeouts always qualify. Provider shims additionally follow the shim
// contract: exit 1 and 124 are retryable, 2 never is. Declared
// retry_exit_codes extend the set for both kinds.
func Retryable(out *Outcome, policy *schema.RetryPolicy, provider bool) bool {
	if out.OK() {
		return false
	}
	if out.TimedOut {
		return true
	}
	if provider {
		switch out.ExitCode {
		case schema.ShimExitRetryable, schema.ShimExitTimeout:
			return true
		case schema.ShimExitInvalidInput:
			return false
		}
	}
	if policy != nil {
		for _, code := range policy.RetryExitCodes {
			if out.ExitCode == code {
				return true
			}
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry attempt n (zero-based count
// of completed attempts). Backoff is fixed or exponential with an optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	delay := base
	if policy.Backoff == "exponential" {
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early on context cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
