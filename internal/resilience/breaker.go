package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
)

var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is the circuit breaker of one vendor.
//
// Every state transition bumps the generation; results reported with a
// stale generation are dropped so a slow call started while the circuit was
// closed cannot close a circuit that has since opened.
//
// nolint:govet // prefer to keep field ordering as is
type Breaker struct {
	vendor      model.VendorIdentity
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration
	now         func() time.Time

	mu              sync.Mutex
	state           State
	generation      uint64
	failureCount    int
	lastFailureTime time.Time
	openedUntil     time.Time
	currentCooldown time.Duration
	probing         bool
}

// NewBreaker returns a closed circuit breaker.
func NewBreaker(vendor model.VendorIdentity, threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	if maxCooldown < cooldown {
		maxCooldown = cooldown
	}

	b := &Breaker{
		vendor:          vendor,
		threshold:       threshold,
		cooldown:        cooldown,
		maxCooldown:     maxCooldown,
		currentCooldown: cooldown,
		now:             time.Now,
	}

	metrics.CircuitState.WithLabelValues(vendor.String()).Set(float64(Closed))

	return b
}

// Allow reports whether a call may be dispatched. The returned generation is
// passed back to Record or Abandon once the call completes.
// In the half-open state exactly one probe is let through.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return b.generation, nil
	case Open:
		if b.now().Before(b.openedUntil) {
			return 0, b.openErr()
		}

		b.transition(HalfOpen)
	}

	if b.probing {
		return 0, b.openErr()
	}

	b.probing = true

	return b.generation, nil
}

// Record reports the result of a call allowed under generation.
// failed is true only for failures that indicate the vendor is unhealthy.
func (b *Breaker) Record(generation uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	if !failed {
		b.failureCount = 0
		if b.state != Closed {
			b.currentCooldown = b.cooldown
			b.transition(Closed)
		}

		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case HalfOpen:
		b.currentCooldown *= 2
		if b.currentCooldown > b.maxCooldown {
			b.currentCooldown = b.maxCooldown
		}

		b.open()
	case Closed:
		if b.failureCount >= b.threshold {
			b.open()
		}
	}
}

// Abandon releases a call that never reached the vendor or whose caller gave up.
func (b *Breaker) Abandon(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation == b.generation && b.state == HalfOpen {
		b.probing = false
	}
}

// State returns the current state, moving an expired open circuit to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && !b.now().Before(b.openedUntil) {
		b.transition(HalfOpen)
	}

	return b.state
}

// FailureCount returns the number of consecutive failures recorded.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failureCount
}

// OpenedUntil returns the end of the current cooldown window.
func (b *Breaker) OpenedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.openedUntil
}

func (b *Breaker) open() {
	b.openedUntil = b.now().Add(b.currentCooldown)
	b.transition(Open)
}

// transition must be called with mu held.
func (b *Breaker) transition(state State) {
	b.state = state
	b.generation++
	b.probing = false

	metrics.CircuitState.WithLabelValues(b.vendor.String()).Set(float64(state))
}

func (b *Breaker) openErr() error {
	metrics.CircuitRejectedTotal.WithLabelValues(b.vendor.String()).Inc()

	return &model.VendorError{
		Kind:   model.KindCircuitOpen,
		Vendor: b.vendor,
		Err:    errors.Wrapf(ErrCircuitOpen, "until %s", b.openedUntil.Format(time.RFC3339)),
	}
}
