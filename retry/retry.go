package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/apex/log"

	"cxr-report-pipeline/metrics"
)

// Policy controls how Do re-attempts a failing call.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; it doubles each attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval. Zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool
}

// Do runs fn up to p.MaxAttempts times with exponential backoff and jitter,
// stopping early on success, on a non-retryable error, or when ctx is done.
// The last error is returned when all attempts are exhausted.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := jitter(delay)
		metrics.UpstreamRetriesTotal.WithLabelValues(op).Inc()
		log.WithError(err).WithField("operation", op).
			Warnf("attempt %d/%d failed, retrying in %v", attempt, attempts, wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// jitter spreads the interval over [delay/2, delay) so simultaneous callers
// don't hammer a recovering upstream in lockstep.
func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
