package numbers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

type Config struct {
	// RatePerMinute is the token bucket refill rate per number.
	// Zero disables the per-minute limit.
	RatePerMinute int

	// Timezone is used for numbers without their own timezone.
	Timezone string

	Now func() time.Time
}

// Pool selects sending numbers and accounts for their usage.
type Pool struct {
	store  Store
	bucket TokenBucket
	rate   int
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger

	locks sync.Map // number -> *sync.Mutex

	locMu sync.Mutex
	locs  map[string]*time.Location
}

func NewPool(store Store, bucket TokenBucket, cfg Config, logger *zap.Logger) (*Pool, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load number pool timezone %q: %w", tz, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Pool{
		store:  store,
		bucket: bucket,
		rate:   cfg.RatePerMinute,
		loc:    loc,
		now:    cfg.Now,
		logger: logger,
		locs:   make(map[string]*time.Location),
	}, nil
}

// Lock serializes work on one sending number across goroutines in this
// process. The returned func releases it.
func (p *Pool) Lock(number string) func() {
	v, _ := p.locks.LoadOrStore(number, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// List returns numbers in market (all when empty) with today counters rolled
// over where needed.
func (p *Pool) List(ctx context.Context, market string) ([]*Number, error) {
	all, err := p.store.List(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("list numbers: %w", err)
	}

	out := make([]*Number, 0, len(all))
	for _, n := range all {
		fresh, err := p.ResetIfNewDay(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, fresh)
	}
	return out, nil
}

func (p *Pool) Get(ctx context.Context, number string) (*Number, error) {
	n, err := p.store.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	return p.ResetIfNewDay(ctx, n)
}

// Provision creates or updates a sending number.
func (p *Pool) Provision(ctx context.Context, n *Number) error {
	if n.DailyLimit < 0 {
		return fmt.Errorf("daily limit must not be negative: %d", n.DailyLimit)
	}
	if err := p.store.Upsert(ctx, n); err != nil {
		return fmt.Errorf("upsert number %s: %w", n.Number, err)
	}
	return nil
}

// SelectNumber picks the active number in market with the most quota left,
// breaking ties by least recent use. It returns ErrNoCapacity when nothing
// is eligible.
func (p *Pool) SelectNumber(ctx context.Context, market string) (*Number, error) {
	candidates, err := p.List(ctx, market)
	if err != nil {
		return nil, err
	}

	eligible := candidates[:0]
	for _, n := range candidates {
		if n.Active && n.RemainingToday > 0 {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: market %q", ErrNoCapacity, market)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.RemainingToday != b.RemainingToday {
			return a.RemainingToday > b.RemainingToday
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.Number < b.Number
	})

	return eligible[0], nil
}

// Eligible reports whether a specific number can take a message today.
func (p *Pool) Eligible(ctx context.Context, number string) (*Number, error) {
	n, err := p.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	if !n.Active || n.RemainingToday <= 0 {
		return nil, fmt.Errorf("%w: number %s", ErrNoCapacity, number)
	}
	return n, nil
}

// ResetIfNewDay rolls today counters over when the number's local day has
// changed. Safe to call repeatedly and concurrently.
func (p *Pool) ResetIfNewDay(ctx context.Context, n *Number) (*Number, error) {
	day := p.localDay(n)
	if n.QuotaDay == day {
		return n, nil
	}

	reset, err := p.store.ResetDay(ctx, n.Number, day)
	if err != nil {
		return nil, fmt.Errorf("reset number %s: %w", n.Number, err)
	}
	if reset {
		p.logger.Info("sending number quota reset",
			zap.String("number", n.Number),
			zap.String("day", day),
			zap.Int("daily_limit", n.DailyLimit),
		)
	}

	fresh, err := p.store.Get(ctx, n.Number)
	if err != nil {
		return nil, fmt.Errorf("reload number %s: %w", n.Number, err)
	}
	return fresh, nil
}

// ConsumeReason explains a ConsumeResult.
type ConsumeReason string

const (
	ConsumeOK       ConsumeReason = "ok"
	ConsumeQuota    ConsumeReason = "quota_exhausted"
	ConsumeRate     ConsumeReason = "rate_limited"
	ConsumeInactive ConsumeReason = "inactive"
)

type ConsumeResult struct {
	OK         bool
	Reason     ConsumeReason
	RetryAfter time.Duration
}

// Consume takes one unit of daily quota and one rate token from number.
// It returns false, leaving the daily counters untouched, when either is
// unavailable.
func (p *Pool) Consume(ctx context.Context, number string) (bool, error) {
	res, err := p.TryConsume(ctx, number)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

// TryConsume is Consume with the reason for a refusal.
func (p *Pool) TryConsume(ctx context.Context, number string) (ConsumeResult, error) {
	n, err := p.Get(ctx, number)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !n.Active {
		return ConsumeResult{Reason: ConsumeInactive}, nil
	}
	if n.RemainingToday <= 0 {
		return ConsumeResult{Reason: ConsumeQuota}, nil
	}

	if p.bucket != nil && p.rate > 0 {
		ok, wait, err := p.bucket.Take(ctx, number, p.rate)
		if err != nil {
			return ConsumeResult{}, fmt.Errorf("rate bucket for %s: %w", number, err)
		}
		if !ok {
			return ConsumeResult{Reason: ConsumeRate, RetryAfter: wait}, nil
		}
	}

	ok, err := p.store.Consume(ctx, number, n.QuotaDay, p.now().UTC())
	if err != nil || !ok {
		p.refund(ctx, number)
		if err != nil {
			return ConsumeResult{}, fmt.Errorf("consume quota for %s: %w", number, err)
		}
		return ConsumeResult{Reason: ConsumeQuota}, nil
	}

	return ConsumeResult{OK: true, Reason: ConsumeOK}, nil
}

// Release gives back the quota unit and rate token taken by a successful
// TryConsume whose message was never handed to a transport.
func (p *Pool) Release(ctx context.Context, number string) error {
	n, err := p.Get(ctx, number)
	if err != nil {
		return err
	}
	if err := p.store.Release(ctx, number, n.QuotaDay); err != nil {
		return fmt.Errorf("release quota for %s: %w", number, err)
	}
	p.refund(ctx, number)
	return nil
}

func (p *Pool) refund(ctx context.Context, number string) {
	if p.bucket == nil || p.rate <= 0 {
		return
	}
	if err := p.bucket.Refund(ctx, number, p.rate); err != nil {
		p.logger.Warn("failed to refund rate token",
			zap.String("number", number),
			zap.Error(err),
		)
	}
}

// Record bumps an event counter for number.
func (p *Pool) Record(ctx context.Context, number string, counter Counter) error {
	if number == "" {
		return nil
	}
	if _, err := p.Get(ctx, number); err != nil {
		return err
	}
	if err := p.store.Increment(ctx, number, counter); err != nil {
		return fmt.Errorf("increment %s for %s: %w", counter, number, err)
	}
	return nil
}

func (p *Pool) localDay(n *Number) string {
	return p.now().In(p.location(n.Timezone)).Format(dayLayout)
}

func (p *Pool) location(tz string) *time.Location {
	if tz == "" {
		return p.loc
	}

	p.locMu.Lock()
	defer p.locMu.Unlock()

	if loc, ok := p.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.logger.Warn("unknown number timezone, using pool default",
			zap.String("timezone", tz),
			zap.Error(err),
		)
		loc = p.loc
	}
	p.locs[tz] = loc
	return loc
}
