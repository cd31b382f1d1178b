package resilience

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
)

// ErrRateLimited marks a call refused by the local token budget, as opposed to a vendor 429.
var ErrRateLimited = errors.New("local rate limit exhausted")

// Limiter is the token budget of one vendor.
type Limiter struct {
	vendor  model.VendorIdentity
	limiter *rate.Limiter
	mode    configuration.RateLimitMode
}

// NewLimiter returns a limiter refilling rpm tokens per minute. rpm <= 0 disables limiting.
func NewLimiter(vendor model.VendorIdentity, rpm, burst int, mode configuration.RateLimitMode) *Limiter {
	l := &Limiter{vendor: vendor, mode: mode}
	if rpm <= 0 {
		return l
	}

	if burst <= 0 {
		burst = 1
	}

	l.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)

	return l
}

// Acquire consumes one token, waiting for a refill or failing fast depending on the mode.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}

	if l.mode == configuration.RateLimitFailFast {
		if !l.limiter.Allow() {
			return l.rejected(ErrRateLimited)
		}

		return nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return model.NewVendorError(l.vendor, model.KindTimeout, ctx.Err())
		}

		// the next token arrives after the caller deadline
		return l.rejected(errors.Wrap(ErrRateLimited, err.Error()))
	}

	return nil
}

func (l *Limiter) rejected(err error) error {
	metrics.RateLimitRejectedTotal.WithLabelValues(l.vendor.String()).Inc()

	return model.NewVendorError(l.vendor, model.KindRateLimitExceeded, err)
}
