// Package dedup collapses duplicate check-out and check-in requests.
//
// Concurrent requests with the same key share one execution through
// singleflight. Outcomes that did not fail are kept for the dedup window so a
// request repeated shortly after returns the earlier outcome instead of
// executing again.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/copystructure"
	"golang.org/x/sync/singleflight"

	"github.com/tech-consulting/assetops/internal/metrics"
	"github.com/tech-consulting/assetops/internal/model"
)

type entry struct {
	outcome model.OperationOutcome
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	window time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

// New returns a cache replaying outcomes for window. A zero window only collapses concurrent requests.
func New(window time.Duration) *Cache {
	return &Cache{
		window:  window,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Key identifies a logical loan operation: same asset, same kind, same ticket.
func Key(kind model.OperationKind, asset model.AssetRef) string {
	return strings.Join([]string{
		string(kind),
		strings.ToUpper(strings.TrimSpace(asset.AssetTag)),
		strings.ToUpper(strings.TrimSpace(asset.SerialNumber)),
		strings.TrimSpace(asset.TicketID),
	}, "|")
}

// Do executes fn once per key within the window. shared is true when the
// returned outcome was produced for another caller. A caller whose ctx ends
// before the outcome is ready gets a Timeout outcome.
func (c *Cache) Do(ctx context.Context, key string, fn func(context.Context) model.OperationOutcome) (outcome model.OperationOutcome, shared bool) {
	kind := strings.SplitN(key, "|", 2)[0]

	if cached, ok := c.lookup(key); ok {
		metrics.DedupHitsTotal.WithLabelValues(kind).Inc()
		slog.Debug("replaying cached outcome", "key", key)

		return cached, true
	}

	flight := c.group.DoChan(key, func() (any, error) {
		out := fn(ctx)
		c.store(key, out)

		return out, nil
	})

	var res singleflight.Result

	// a caller waiting on another's flight still stops at its own deadline
	select {
	case res = <-flight:
	case <-ctx.Done():
		return model.Failed(model.KindTimeout, "abandoned waiting for operation: "+ctx.Err().Error()), false
	}

	v, shared := res.Val, res.Shared

	outcome = v.(model.OperationOutcome)
	if shared {
		metrics.DedupHitsTotal.WithLabelValues(kind).Inc()
		slog.Debug("collapsed concurrent duplicate", "key", key)

		outcome = clone(outcome)
	}

	return outcome, shared
}

// Forget drops key so the next request executes again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	c.group.Forget(key)
}

func (c *Cache) lookup(key string) (model.OperationOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return model.OperationOutcome{}, false
	}

	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return model.OperationOutcome{}, false
	}

	return clone(e.outcome), true
}

func (c *Cache) store(key string, outcome model.OperationOutcome) {
	// failed operations may be retried by the caller straight away
	if c.window <= 0 || outcome.Status == model.StatusFailed {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = entry{outcome: clone(outcome), expires: now.Add(c.window)}
}

// clone deep copies an outcome so callers never share the warranty record pointer.
func clone(outcome model.OperationOutcome) model.OperationOutcome {
	copied, err := copystructure.Copy(outcome)
	if err != nil {
		slog.Warn("failed to copy outcome", "error", err)
		return outcome
	}

	return copied.(model.OperationOutcome)
}
