package coordination

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry policy for transient connection faults.
type RetryPolicy struct {
	// Initial wait between attempts.
	InitialInterval time.Duration

	// Upper bound for the wait between attempts.
	MaxInterval time.Duration

	// Maximum number of attempts, including the first.
	MaxTries uint
}

// Default retry policy.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxTries:        8,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	return p
}

// Exponential backoff for the policy.
func (p RetryPolicy) BackOff() backoff.BackOff {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// Retry an operation while it fails with a transient error.
//
// Any error that is not transient stops the retries immediately and is
// returned unchanged. If retries are exhausted, the last transient error is
// returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	policy = policy.withDefaults()

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(policy.BackOff()), backoff.WithMaxTries(policy.MaxTries))
}

// Retry an operation without a result while it fails with a transient error.
func RetryDo(ctx context.Context, policy RetryPolicy, op func() error) error {
	_, err := Retry(ctx, policy, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
