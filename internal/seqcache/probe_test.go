package seqcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

type fakeQuerier struct {
	calls     atomic.Int64
	highWater int64
	err       error
}

func (f *fakeQuerier) HighWater(ctx context.Context, scope string) (int64, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	return f.highWater, nil
}

func TestProbeReseedsFromHighWater(t *testing.T) {
	cache := newTestCache()
	querier := &fakeQuerier{highWater: 4}
	probe := NewProbe(cache, querier, 10)

	probe.Activate(context.Background(), "team-t")
	probe.Wait()

	if next, ok := cache.Peek("team-t"); !ok || next != 5 {
		t.Errorf("expected cache seeded to 5, got %d (ok=%v)", next, ok)
	}
}

func TestProbeOncePerActivation(t *testing.T) {
	cache := newTestCache()
	querier := &fakeQuerier{highWater: 4}
	probe := NewProbe(cache, querier, 10)

	ctx := context.Background()
	probe.Activate(ctx, "team-t")
	probe.Wait()
	probe.Activate(ctx, "team-t")
	probe.Wait()

	if got := querier.calls.Load(); got != 1 {
		t.Errorf("repeat activation of the same scope should not re-query, got %d calls", got)
	}

	probe.Activate(ctx, "team-u")
	probe.Wait()
	if got := querier.calls.Load(); got != 2 {
		t.Errorf("a different scope should query, got %d calls", got)
	}
}

func TestProbeRetriesAfterFailure(t *testing.T) {
	cache := newTestCache()
	querier := &fakeQuerier{err: errors.New("offline read model")}
	probe := NewProbe(cache, querier, 10)

	ctx := context.Background()
	probe.Activate(ctx, "team-t")
	probe.Wait()

	if _, ok := cache.Peek("team-t"); ok {
		t.Error("failed reseed must not seed the cache")
	}

	// The failure clears the activation marker so the next activation
	// retries.
	querier.err = nil
	querier.highWater = 8
	probe.Activate(ctx, "team-t")
	probe.Wait()

	if next, ok := cache.Peek("team-t"); !ok || next != 9 {
		t.Errorf("retry should seed to 9, got %d (ok=%v)", next, ok)
	}
}

func TestProbeSkipsWhenOffline(t *testing.T) {
	cache := newTestCache()
	querier := &fakeQuerier{highWater: 4}
	probe := NewProbe(cache, querier, 10)
	probe.SetOnline(func() bool { return false })

	probe.Activate(context.Background(), "team-t")
	probe.Wait()

	if got := querier.calls.Load(); got != 0 {
		t.Errorf("offline activation should not query, got %d calls", got)
	}
}

func TestProbeNeverLowersCache(t *testing.T) {
	cache := newTestCache()
	cache.Seed("team-t", 50, 10)

	querier := &fakeQuerier{highWater: 4}
	probe := NewProbe(cache, querier, 10)
	probe.Activate(context.Background(), "team-t")
	probe.Wait()

	if next, _ := cache.Peek("team-t"); next != 50 {
		t.Errorf("reseed below the cached value must be ignored, got %d", next)
	}
}

func TestProbeCreationProceedsDuringReseed(t *testing.T) {
	cache := newTestCache()
	block := make(chan struct{})
	querier := &blockingQuerier{release: block}
	probe := NewProbe(cache, querier, 10)

	probe.Activate(context.Background(), "team-t")

	// TakeNext must not wait for the in-flight reseed.
	if got := cache.TakeNext("team-t"); got != 1 {
		t.Errorf("expected immediate 1 during reseed, got %d", got)
	}

	close(block)
	probe.Wait()
}

type blockingQuerier struct {
	release chan struct{}
}

func (b *blockingQuerier) HighWater(ctx context.Context, scope string) (int64, error) {
	<-b.release
	return 0, errors.New("too late")
}
