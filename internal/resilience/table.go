// Package resilience wraps vendor calls with a per vendor timeout, retry with
// backoff, circuit breaker and rate limit.
//
// The circuit and token bucket of each vendor live in one Table built at
// startup. The table itself is never modified after construction, each
// vendor's state carries its own lock so vendors never contend with each other.
package resilience

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/configuration"
	"github.com/tech-consulting/assetops/internal/model"
)

// VendorState is the process wide resilience state of one vendor.
type VendorState struct {
	Vendor  model.VendorIdentity
	Policy  Policy
	Breaker *Breaker
	Limiter *Limiter
}

// NewVendorState builds the resilience state of vendor from opts.
func NewVendorState(vendor model.VendorIdentity, opts configuration.ResilienceOptions) *VendorState {
	return &VendorState{
		Vendor:  vendor,
		Policy:  policyFrom(opts),
		Breaker: NewBreaker(vendor, opts.FailureThreshold, opts.Cooldown, opts.MaxCooldown),
		Limiter: NewLimiter(vendor, opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitMode),
	}
}

type Table struct {
	vendors map[model.VendorIdentity]*VendorState
}

// NewTable returns a table holding the given vendor states.
func NewTable(states ...*VendorState) *Table {
	t := &Table{vendors: make(map[model.VendorIdentity]*VendorState, len(states))}
	for _, vs := range states {
		t.vendors[vs.Vendor] = vs
	}

	return t
}

// TableFromConfig builds the state of every known vendor.
func TableFromConfig(cfg *configuration.Configuration) *Table {
	states := make([]*VendorState, 0, len(model.Vendors))
	for _, vendor := range model.Vendors {
		states = append(states, NewVendorState(vendor, cfg.ResilienceFor(vendor)))
	}

	return NewTable(states...)
}

// For returns the state of vendor.
func (t *Table) For(vendor model.VendorIdentity) (*VendorState, error) {
	vs, ok := t.vendors[vendor]
	if !ok {
		return nil, errors.Wrap(model.ErrUnknownVendor, vendor.String())
	}

	return vs, nil
}

// Call runs an adapter call for vendor and records the attempt count on the response.
func (t *Table) Call(
	ctx context.Context,
	vendor model.VendorIdentity,
	fn func(context.Context) (*model.RawVendorResponse, error),
) (*model.RawVendorResponse, error) {
	vs, err := t.For(vendor)
	if err != nil {
		return nil, err
	}

	raw, stats, err := Do(ctx, vs, fn)
	if raw != nil {
		raw.Attempts = stats.Attempts
	}

	return raw, err
}

// Run is Call for calls that return something other than a raw vendor response.
func Run[T any](ctx context.Context, t *Table, vendor model.VendorIdentity, fn func(context.Context) (T, error)) (T, error) {
	vs, err := t.For(vendor)
	if err != nil {
		var zero T
		return zero, err
	}

	result, _, err := Do(ctx, vs, fn)

	return result, err
}
