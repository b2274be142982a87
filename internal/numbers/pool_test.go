package numbers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fakeBucket grants a fixed number of tokens per key.
type fakeBucket struct {
	mu      sync.Mutex
	tokens  map[string]int
	refunds int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{tokens: make(map[string]int)}
}

func (b *fakeBucket) Take(ctx context.Context, key string, rate int) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tokens[key]; !ok {
		b.tokens[key] = rate
	}
	if b.tokens[key] <= 0 {
		return false, 3 * time.Second, nil
	}
	b.tokens[key]--
	return true, 0, nil
}

func (b *fakeBucket) Refund(ctx context.Context, key string, rate int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[key]++
	b.refunds++
	return nil
}

func newTestPool(t *testing.T, bucket TokenBucket, rate int) (*Pool, *MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 6, 10, 17, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	pool, err := NewPool(store, bucket, Config{RatePerMinute: rate, Timezone: "America/Chicago", Now: clock.Now}, zap.NewNop())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool, store, clock
}

func provision(t *testing.T, p *Pool, n *Number) {
	t.Helper()
	if err := p.Provision(context.Background(), n); err != nil {
		t.Fatalf("provision %s: %v", n.Number, err)
	}
}

func TestConsume_DailyLimit(t *testing.T) {
	pool, _, _ := newTestPool(t, nil, 0)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 2})

	for i := 0; i < 2; i++ {
		ok, err := pool.Consume(ctx, "+15125550001")
		if err != nil || !ok {
			t.Fatalf("consume %d: ok=%v err=%v", i+1, ok, err)
		}
	}

	ok, err := pool.Consume(ctx, "+15125550001")
	if err != nil {
		t.Fatalf("third consume: %v", err)
	}
	if ok {
		t.Fatal("third consume should fail")
	}

	n, _ := pool.Get(ctx, "+15125550001")
	if n.SentToday != 2 || n.RemainingToday != 0 {
		t.Errorf("counters = (sent %d, remaining %d), want (2, 0)", n.SentToday, n.RemainingToday)
	}
	if n.LastUsedAt.IsZero() {
		t.Error("last_used_at not stamped")
	}
}

func TestConsume_NeverExceedsLimitUnderConcurrency(t *testing.T) {
	pool, _, _ := newTestPool(t, newFakeBucket(), 1000)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 7})

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := pool.Consume(ctx, "+15125550001")
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 7 {
		t.Fatalf("granted = %d, want 7", got)
	}
	n, _ := pool.Get(ctx, "+15125550001")
	if n.SentToday != 7 || n.RemainingToday != 0 {
		t.Errorf("counters = (sent %d, remaining %d), want (7, 0)", n.SentToday, n.RemainingToday)
	}
}

func TestConsume_RateLimitLeavesDailyCounters(t *testing.T) {
	bucket := newFakeBucket()
	pool, _, _ := newTestPool(t, bucket, 1)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 10})

	if ok, _ := pool.Consume(ctx, "+15125550001"); !ok {
		t.Fatal("first consume should succeed")
	}

	res, err := pool.TryConsume(ctx, "+15125550001")
	if err != nil {
		t.Fatalf("try consume: %v", err)
	}
	if res.OK || res.Reason != ConsumeRate || res.RetryAfter <= 0 {
		t.Fatalf("expected rate limited result, got %+v", res)
	}

	n, _ := pool.Get(ctx, "+15125550001")
	if n.SentToday != 1 || n.RemainingToday != 9 {
		t.Errorf("counters = (sent %d, remaining %d), want (1, 9)", n.SentToday, n.RemainingToday)
	}
}

func TestConsume_QuotaRefusalDoesNotSpendToken(t *testing.T) {
	bucket := newFakeBucket()
	pool, _, _ := newTestPool(t, bucket, 5)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 1})

	pool.Consume(ctx, "+15125550001")
	res, _ := pool.TryConsume(ctx, "+15125550001")
	if res.Reason != ConsumeQuota {
		t.Fatalf("reason = %s, want %s", res.Reason, ConsumeQuota)
	}
	if bucket.tokens["+15125550001"] != 4 {
		t.Errorf("tokens left = %d, want 4", bucket.tokens["+15125550001"])
	}
}

func TestRelease_RestoresQuotaAndToken(t *testing.T) {
	bucket := newFakeBucket()
	pool, _, clock := newTestPool(t, bucket, 5)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 3})

	if ok, _ := pool.Consume(ctx, "+15125550001"); !ok {
		t.Fatal("consume should succeed")
	}
	if err := pool.Release(ctx, "+15125550001"); err != nil {
		t.Fatalf("release: %v", err)
	}

	n, _ := pool.Get(ctx, "+15125550001")
	if n.SentToday != 0 || n.SentTotal != 0 || n.RemainingToday != 3 {
		t.Errorf("counters = (sent %d, total %d, remaining %d), want (0, 0, 3)", n.SentToday, n.SentTotal, n.RemainingToday)
	}
	if bucket.tokens["+15125550001"] != 5 || bucket.refunds != 1 {
		t.Errorf("tokens = %d refunds = %d, want 5 and 1", bucket.tokens["+15125550001"], bucket.refunds)
	}

	// Nothing consumed today: release leaves counters alone.
	clock.Set(clock.Now().Add(24 * time.Hour))
	if err := pool.Release(ctx, "+15125550001"); err != nil {
		t.Fatalf("release after rollover: %v", err)
	}
	n, _ = pool.Get(ctx, "+15125550001")
	if n.SentToday != 0 || n.RemainingToday != 3 {
		t.Errorf("after rollover = (sent %d, remaining %d), want (0, 3)", n.SentToday, n.RemainingToday)
	}
}

func TestConsume_Inactive(t *testing.T) {
	pool, _, _ := newTestPool(t, nil, 0)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: false, DailyLimit: 10})

	res, err := pool.TryConsume(ctx, "+15125550001")
	if err != nil {
		t.Fatalf("try consume: %v", err)
	}
	if res.OK || res.Reason != ConsumeInactive {
		t.Errorf("got %+v, want inactive refusal", res)
	}
}

func TestSelectNumber_Policy(t *testing.T) {
	pool, _, clock := newTestPool(t, nil, 0)
	ctx := context.Background()

	provision(t, pool, &Number{Number: "+15125550001", Market: "austin", Active: true, DailyLimit: 100})
	provision(t, pool, &Number{Number: "+15125550002", Market: "austin", Active: true, DailyLimit: 100})
	provision(t, pool, &Number{Number: "+15125550003", Market: "austin", Active: true, DailyLimit: 50})
	provision(t, pool, &Number{Number: "+15125550004", Market: "austin", Active: false, DailyLimit: 500})
	provision(t, pool, &Number{Number: "+17135550001", Market: "houston", Active: true, DailyLimit: 900})

	pool.Consume(ctx, "+15125550001")
	clock.Set(clock.Now().Add(time.Minute))
	pool.Consume(ctx, "+15125550002")

	// Equal remaining quota: the least recently used number wins.
	n, err := pool.SelectNumber(ctx, "austin")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n.Number != "+15125550001" {
		t.Errorf("selected %s, want +15125550001", n.Number)
	}

	// Most remaining quota wins over recency.
	pool.Consume(ctx, "+15125550001")
	n, _ = pool.SelectNumber(ctx, "austin")
	if n.Number != "+15125550002" {
		t.Errorf("selected %s, want +15125550002", n.Number)
	}

	n, _ = pool.SelectNumber(ctx, "")
	if n.Number != "+17135550001" {
		t.Errorf("unset market selected %s, want +17135550001", n.Number)
	}
}

func TestSelectNumber_NoCapacity(t *testing.T) {
	pool, _, _ := newTestPool(t, nil, 0)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Market: "austin", Active: true, DailyLimit: 1})
	pool.Consume(ctx, "+15125550001")

	if _, err := pool.SelectNumber(ctx, "austin"); !isNoCapacity(err) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if _, err := pool.SelectNumber(ctx, "dallas"); !isNoCapacity(err) {
		t.Fatalf("expected ErrNoCapacity for empty market, got %v", err)
	}
	if _, err := pool.Eligible(ctx, "+15125550001"); !isNoCapacity(err) {
		t.Fatalf("expected exhausted number to be ineligible, got %v", err)
	}
}

func isNoCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

func TestResetIfNewDay(t *testing.T) {
	pool, store, clock := newTestPool(t, nil, 0)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 3})

	// 23:30 Chicago on June 10.
	clock.Set(time.Date(2026, 6, 11, 4, 30, 0, 0, time.UTC))
	pool.Consume(ctx, "+15125550001")
	pool.Consume(ctx, "+15125550001")
	pool.Record(ctx, "+15125550001", CounterDelivered)

	// 00:10 Chicago on June 11: new local day, even though UTC day is unchanged.
	clock.Set(time.Date(2026, 6, 11, 5, 10, 0, 0, time.UTC))
	n, err := pool.Get(ctx, "+15125550001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.SentToday != 0 || n.RemainingToday != 3 || n.DeliveredToday != 0 {
		t.Errorf("after rollover = (sent %d, remaining %d, delivered %d)", n.SentToday, n.RemainingToday, n.DeliveredToday)
	}
	if n.SentTotal != 2 || n.DeliveredTotal != 1 {
		t.Errorf("lifetime counters lost: sent %d delivered %d", n.SentTotal, n.DeliveredTotal)
	}
	if n.QuotaDay != "2026-06-11" {
		t.Errorf("quota day = %s", n.QuotaDay)
	}

	// Resetting again on the same day is a no-op.
	pool.Consume(ctx, "+15125550001")
	reset, err := store.ResetDay(ctx, "+15125550001", "2026-06-11")
	if err != nil || reset {
		t.Fatalf("second reset should be a no-op, reset=%v err=%v", reset, err)
	}
	n, _ = pool.Get(ctx, "+15125550001")
	if n.SentToday != 1 {
		t.Errorf("sent_today = %d, want 1", n.SentToday)
	}
}

func TestRecord_Counters(t *testing.T) {
	pool, _, _ := newTestPool(t, nil, 0)
	ctx := context.Background()
	provision(t, pool, &Number{Number: "+15125550001", Active: true, DailyLimit: 3})

	for _, c := range []Counter{CounterDelivered, CounterFailed, CounterOptOut, CounterOptOut} {
		if err := pool.Record(ctx, "+15125550001", c); err != nil {
			t.Fatalf("record %s: %v", c, err)
		}
	}
	if err := pool.Record(ctx, "", CounterDelivered); err != nil {
		t.Errorf("empty number should be ignored, got %v", err)
	}

	n, _ := pool.Get(ctx, "+15125550001")
	if n.DeliveredToday != 1 || n.FailedToday != 1 || n.OptOutsToday != 2 || n.OptOutsTotal != 2 {
		t.Errorf("counters = %+v", n)
	}
}

func TestLock_SerializesPerNumber(t *testing.T) {
	pool, _, _ := newTestPool(t, nil, 0)

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := pool.Lock("+15125550001")
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatal("two goroutines held the same number lock")
	}
}
