package scicat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryStep is the default increment of the linear retry backoff.
const DefaultRetryStep = time.Second

// linearBackOff is a backoff.BackOff whose delay grows by a fixed step after
// each attempt.
type linearBackOff struct {
	// step is the delay increment.
	step time.Duration
	// current is the last returned delay.
	current time.Duration
}

// NextBackOff implements backoff.BackOff.NextBackOff.
func (b *linearBackOff) NextBackOff() time.Duration {
	b.current += b.step
	return b.current
}

// Reset implements backoff.BackOff.Reset.
func (b *linearBackOff) Reset() {
	b.current = 0
}

// RetryPolicy bounds the number of attempts of an operation and spaces them
// with a linear backoff.
type RetryPolicy struct {
	// MaxTries is the maximum number of attempts (at least one is made).
	MaxTries int
	// Step is the linear backoff increment.
	Step time.Duration
}

// Do runs an operation until it succeeds, returns an error wrapped with
// backoff.Permanent, exhausts the allowed attempts, or the context is
// cancelled. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, operation func() error) error {
	retries := p.MaxTries - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: p.Step}, uint64(retries)),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

// permanent marks an error as not worth retrying.
func permanent(err error) error {
	return backoff.Permanent(err)
}
