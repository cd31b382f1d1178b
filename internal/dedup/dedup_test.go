package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tech-consulting/assetops/internal/model"
)

func TestKey(t *testing.T) {
	a := Key(model.CheckOut, model.AssetRef{AssetTag: "trl12345 ", TicketID: "42"})
	b := Key(model.CheckOut, model.AssetRef{AssetTag: "TRL12345", TicketID: "42"})
	c := Key(model.CheckIn, model.AssetRef{AssetTag: "TRL12345", TicketID: "42"})
	d := Key(model.CheckOut, model.AssetRef{AssetTag: "TRL12345", TicketID: "43"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	cache := New(time.Minute)
	key := Key(model.CheckOut, model.AssetRef{AssetTag: "TRL12345", TicketID: "42"})

	var calls int32
	release := make(chan struct{})

	fn := func(context.Context) model.OperationOutcome {
		atomic.AddInt32(&calls, 1)
		<-release

		return model.Succeeded("checked out")
	}

	var wg sync.WaitGroup
	outcomes := make([]model.OperationOutcome, 2)

	for i := range outcomes {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = cache.Do(context.Background(), key, fn)
		}(i)
	}

	// let both callers reach the flight before it completes
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, outcomes[0], outcomes[1])
	assert.Equal(t, model.StatusSuccess, outcomes[0].Status)
}

func TestReplayWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := New(30 * time.Second)
	cache.now = func() time.Time { return now }

	var calls int
	fn := func(context.Context) model.OperationOutcome {
		calls++
		expires := now.Add(24 * time.Hour)

		return model.OperationOutcome{
			Status:   model.StatusSuccess,
			Warranty: &model.WarrantyRecord{Vendor: model.VendorDell, ExpirationDate: &expires},
		}
	}

	first, shared := cache.Do(context.Background(), "k", fn)
	assert.False(t, shared)

	second, shared := cache.Do(context.Background(), "k", fn)
	assert.True(t, shared)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.NotSame(t, first.Warranty, second.Warranty)

	now = now.Add(31 * time.Second)

	_, shared = cache.Do(context.Background(), "k", fn)
	assert.False(t, shared)
	assert.Equal(t, 2, calls)
}

func TestFailedOutcomesAreNotReplayed(t *testing.T) {
	cache := New(time.Minute)

	var calls int
	fn := func(context.Context) model.OperationOutcome {
		calls++
		return model.Failed(model.KindVendorServer, "down")
	}

	cache.Do(context.Background(), "k", fn)
	cache.Do(context.Background(), "k", fn)

	assert.Equal(t, 2, calls)
}

func TestForget(t *testing.T) {
	cache := New(time.Minute)

	var calls int
	fn := func(context.Context) model.OperationOutcome {
		calls++
		return model.Succeeded("ok")
	}

	cache.Do(context.Background(), "k", fn)
	cache.Forget("k")
	cache.Do(context.Background(), "k", fn)

	assert.Equal(t, 2, calls)
}

func TestWaitingDuplicateStopsAtItsDeadline(t *testing.T) {
	cache := New(time.Minute)
	key := Key(model.CheckOut, model.AssetRef{AssetTag: "TRL12345", TicketID: "42"})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go cache.Do(context.Background(), key, func(context.Context) model.OperationOutcome {
		close(started)
		<-release

		return model.Succeeded("checked out")
	})

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	begin := time.Now()
	outcome, shared := cache.Do(ctx, key, func(context.Context) model.OperationOutcome {
		t.Error("duplicate must not execute")
		return model.Succeeded("")
	})

	assert.Less(t, time.Since(begin), 400*time.Millisecond)
	assert.False(t, shared)
	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, model.KindTimeout, outcome.ErrorKind)
}
