// Package retry replays failed operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as final: Do returns it unwrapped without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Policy describes how an operation is replayed.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay time.Duration
	// Retryable limits replays to errors it accepts. Nil accepts everything
	// not marked Permanent.
	Retryable func(error) bool
	// OnRetry runs before each wait with the attempt that just failed (1-based).
	OnRetry func(attempt int, err error)
}

// Do runs fn with up to attempts tries and baseDelay initial backoff.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

// Do runs fn until it succeeds, fails permanently, exhausts the attempts or
// ctx ends. Waits double each round with ±25% jitter.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		wait := jitter(delay)
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}
