// Package retry runs operations against remote dependencies with bounded
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Readiness.Wait when the probe never succeeded.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy controls Do.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is used for broker publishes.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx is done, or
// the policy runs out of attempts. Delays grow exponentially with full jitter.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return fmt.Errorf("%w (last error: %w)", ctxErr, err)
			}
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.Attempts {
			break
		}
		if !sleep(ctx, backoff(p.BaseDelay, p.MaxDelay, attempt)) {
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
	}
	return err
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || (max > 0 && d > max) {
		d = max
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Readiness waits for a dependency at a fixed interval, e.g. 30 attempts
// every 2 seconds while the broker boots.
type Readiness struct {
	Attempts int
	Interval time.Duration
}

// DefaultReadiness matches the broker's startup budget.
func DefaultReadiness() Readiness {
	return Readiness{Attempts: 30, Interval: 2 * time.Second}
}

// Wait calls probe until it succeeds. onFailure, when not nil, sees every
// failed attempt. The returned error wraps ErrExhausted and the last probe
// error, or ctx.Err() when cancelled.
func (r Readiness) Wait(ctx context.Context, probe func(context.Context) error, onFailure func(attempt int, err error)) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = probe(ctx); err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if attempt == attempts {
			break
		}
		if !sleep(ctx, r.Interval) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
