package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig configures retries of idempotent requests: admin reads, the
// status probe and webhook delivery.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0

	// OnRetry, if set, is called before each wait.
	OnRetry func(op string, attempt int, wait time.Duration, err error)
}

// DefaultRetryConfig returns the policy used when none is given.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// Retrier runs an operation again after transient failures, waiting an
// exponentially growing, jittered delay in between.
type Retrier struct {
	config *RetryConfig
}

// NewRetrier returns a Retrier; a nil config means DefaultRetryConfig.
func NewRetrier(cfg *RetryConfig) *Retrier {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &Retrier{config: cfg}
}

// isTransient reports whether err may go away on its own. Server errors,
// rate limiting and network failures qualify; client errors, 501 and
// cancellation do not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Status == http.StatusTooManyRequests:
			return true
		case re.Status == http.StatusNotImplemented:
			return false
		default:
			return re.Status >= 500
		}
	}
	return true
}

// backoff returns the jittered delay before retry number attempt+1.
func (r *Retrier) backoff(attempt int) time.Duration {
	d := r.config.MaxBackoff
	if attempt < 63 {
		// A shift that overflows does not round-trip.
		if b := r.config.InitialBackoff << attempt; b > 0 && b>>attempt == r.config.InitialBackoff && b < d {
			d = b
		}
	}
	if f := r.config.JitterFraction; f > 0 {
		d += time.Duration(float64(d) * f * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

// wait picks the delay after err: the server's Retry-After when it asked
// for longer than the backoff, capped at MaxBackoff.
func (r *Retrier) wait(attempt int, err error) time.Duration {
	d := r.backoff(attempt)
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > d {
		d = min(re.RetryAfter, r.config.MaxBackoff)
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, fails permanently or the retries run out.
// op names the call for OnRetry; callers add their own error context.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt >= r.config.MaxRetries {
			return fmt.Errorf("%w (after %d retries)", err, attempt)
		}

		d := r.wait(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(op, attempt+1, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return fmt.Errorf("%w (retry cancelled)", err)
		}
	}
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
