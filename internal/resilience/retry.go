package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
)

// Policy bounds the attempts made for one call.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

func policyFrom(opts configuration.ResilienceOptions) Policy {
	p := Policy{
		Timeout:     opts.Timeout,
		MaxAttempts: opts.MaxAttempts,
		BackoffMin:  opts.BackoffMin,
		BackoffMax:  opts.BackoffMax,
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	return p
}

// Backoff returns the delay before the attempt following attempt.
// A vendor supplied Retry-After wins over the exponential schedule.
func (p Policy) Backoff(attempt int, err error) time.Duration {
	var vendorErr *model.VendorError
	if errors.As(err, &vendorErr) && vendorErr.RetryAfter > 0 {
		return vendorErr.RetryAfter
	}

	base := retryablehttp.DefaultBackoff(p.BackoffMin, p.BackoffMax, attempt-1, nil)
	if base <= 0 {
		return 0
	}

	// equal jitter: half fixed, half random
	half := base / 2

	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Stats describes how a call went.
type Stats struct {
	Attempts int
	Latency  time.Duration
}

// Do runs fn under the timeout, retry, rate limit and circuit breaker policy of vs.
//
// Only transient errors are retried and never more than MaxAttempts times in total.
// The error of the final attempt is returned, also when the circuit opens
// between attempts. When the caller's context ends, the
// call is abandoned and a Timeout error returned without further attempts.
func Do[T any](ctx context.Context, vs *VendorState, fn func(context.Context) (T, error)) (_ T, stats Stats, _ error) {
	var zero T

	vendor := vs.Vendor.String()
	started := time.Now()

	defer func() {
		stats.Latency = time.Since(started)
	}()

	var last error

	for n := 1; ; n++ {
		generation, err := vs.Breaker.Allow()
		if err != nil {
			// a circuit opened by our own retries reports the attempt that opened it
			if last != nil {
				return zero, stats, last
			}

			return zero, stats, err
		}

		if err := vs.Limiter.Acquire(ctx); err != nil {
			vs.Breaker.Abandon(generation)
			return zero, stats, err
		}

		if n > 1 {
			metrics.VendorRetriesTotal.WithLabelValues(vendor).Inc()
		}

		stats.Attempts = n

		result, err := attempt(ctx, vs, fn)
		if err == nil {
			vs.Breaker.Record(generation, false)
			metrics.VendorAttemptsTotal.WithLabelValues(vendor, "success").Inc()

			return result, stats, nil
		}

		if ctx.Err() != nil {
			vs.Breaker.Abandon(generation)
			metrics.VendorAttemptsTotal.WithLabelValues(vendor, string(model.KindTimeout)).Inc()

			return zero, stats, model.NewVendorError(vs.Vendor, model.KindTimeout, errors.Wrap(ctx.Err(), err.Error()))
		}

		kind := model.KindOf(err)
		vs.Breaker.Record(generation, kind.Transient())
		metrics.VendorAttemptsTotal.WithLabelValues(vendor, string(kind)).Inc()

		if !kind.Transient() || n >= vs.Policy.MaxAttempts {
			return zero, stats, err
		}

		last = err

		delay := vs.Policy.Backoff(n, err)

		slog.Debug("retrying vendor call",
			"vendor", vendor,
			"attempt", n,
			"kind", string(kind),
			"delay", delay.String(),
			"error", err,
		)

		if err := sleepInContext(ctx, delay); err != nil {
			return zero, stats, model.NewVendorError(vs.Vendor, model.KindTimeout, err)
		}
	}
}

// attempt runs fn once under the per attempt timeout, recovering panics.
func attempt[T any](ctx context.Context, vs *VendorState, fn func(context.Context) (T, error)) (result T, err error) {
	attemptCtx := ctx

	if vs.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, vs.Policy.Timeout)

		defer cancel()
	}

	start := time.Now()

	defer func() {
		metrics.VendorLatency.WithLabelValues(vs.Vendor.String()).Observe(time.Since(start).Seconds())

		if rec := recover(); rec != nil {
			slog.Error("!!panic occurred in vendor call", "vendor", vs.Vendor.String(), "rec", rec, "stack", string(debug.Stack()))
			err = model.NewVendorError(vs.Vendor, model.KindMalformedResponse, fmt.Errorf("vendor call panic: %v", rec))
		}
	}()

	result, err = fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = model.NewVendorError(vs.Vendor, model.KindTimeout, errors.Wrap(err, "attempt timed out"))
	}

	return result, err
}

// sleepInContext
func sleepInContext(ctx context.Context, t time.Duration) error {
	timer := time.NewTimer(t)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
