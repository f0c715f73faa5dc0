package remote

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"
)

// Backoff configures retries of a store call.
type Backoff struct {
	MaxRetries int           // retries after the first attempt (default: 3)
	BaseDelay  time.Duration // wait before the first retry (default: 100ms)
	MaxDelay   time.Duration // cap on any wait (default: 5s)
}

// DefaultBackoff returns the default retry settings.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// delay is the wait before retry n (counting from zero): BaseDelay doubled
// n times with 20% jitter, capped at MaxDelay. A wait the store asked for
// is used instead when it fits under the cap.
func (b Backoff) delay(n int, e *Error) time.Duration {
	if e.RetryAfter > 0 && e.RetryAfter <= b.MaxDelay {
		return e.RetryAfter
	}

	d := b.BaseDelay << uint(n)
	if d <= 0 || d > b.MaxDelay {
		d = b.MaxDelay
	}
	jittered := time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
	if jittered > b.MaxDelay {
		jittered = b.MaxDelay
	}
	return jittered
}

// withBackoff runs attempt until it succeeds or fails in a way that must
// not be retried for op.
func withBackoff[T any](ctx context.Context, b Backoff, op Op, attempt func(context.Context) (T, error)) (T, error) {
	var zero T
	for n := 0; ; n++ {
		v, err := attempt(ctx)
		if err == nil {
			if n > 0 {
				log.Printf("[remote] %s succeeded on attempt %d", op, n+1)
			}
			return v, nil
		}

		var e *Error
		if !errors.As(err, &e) || !e.Retryable() {
			return zero, err
		}
		if n >= b.MaxRetries {
			log.Printf("[remote] %s failed after %d attempts: %v", op, n+1, err)
			return zero, err
		}

		wait := b.delay(n, e)
		log.Printf("[remote] %s attempt %d failed (%v), retrying in %v", op, n+1, e.Kind, wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, &Error{Op: op, Kind: KindCanceled, Err: ctx.Err()}
		}
	}
}
