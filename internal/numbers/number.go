// Package numbers manages the pool of sending numbers: selection, daily
// quota, per-minute rate and per-number delivery counters.
package numbers

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoCapacity means no sending number can take a message right now.
	// It is a deferral signal, never a failure of the item.
	ErrNoCapacity = errors.New("no sending number capacity")

	ErrNotFound = errors.New("sending number not found")
)

// Number is one sending number and its counters. Today counters reset when
// the number's local calendar day changes.
type Number struct {
	Number     string `json:"number"`
	Market     string `json:"market,omitempty"`
	Active     bool   `json:"active"`
	DailyLimit int    `json:"daily_limit"`
	Timezone   string `json:"timezone,omitempty"`

	SentToday      int `json:"sent_today"`
	RemainingToday int `json:"remaining_today"`
	DeliveredToday int `json:"delivered_today"`
	FailedToday    int `json:"failed_today"`
	OptOutsToday   int `json:"opt_outs_today"`

	SentTotal      int `json:"sent_total"`
	DeliveredTotal int `json:"delivered_total"`
	FailedTotal    int `json:"failed_total"`
	OptOutsTotal   int `json:"opt_outs_total"`

	// QuotaDay is the local date (YYYY-MM-DD) the today counters belong to.
	QuotaDay   string    `json:"quota_day"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (n *Number) Clone() *Number {
	c := *n
	return &c
}

// Remaining recomputes max(0, DailyLimit-SentToday).
func (n *Number) Remaining() int {
	if r := n.DailyLimit - n.SentToday; r > 0 {
		return r
	}
	return 0
}

// Counter names a per-number event counter.
type Counter string

const (
	CounterDelivered Counter = "delivered"
	CounterFailed    Counter = "failed"
	CounterOptOut    Counter = "opt_out"
)

// Store persists numbers. ResetDay and Consume must be conditional writes:
// concurrent callers may race and at most one of them wins.
type Store interface {
	// List returns numbers in market, or every number when market is empty.
	List(ctx context.Context, market string) ([]*Number, error)

	Get(ctx context.Context, number string) (*Number, error)

	// Upsert provisions or updates a number's configuration
	// (market, active, daily limit, timezone). Counters are untouched.
	Upsert(ctx context.Context, n *Number) error

	// ResetDay zeroes today counters and restores RemainingToday to
	// DailyLimit, only if QuotaDay differs from day. Reports whether it reset.
	ResetDay(ctx context.Context, number, day string) (bool, error)

	// Consume decrements RemainingToday by one, increments SentToday and
	// SentTotal and stamps LastUsedAt, only if the number is active,
	// QuotaDay equals day and RemainingToday > 0. Reports whether it did.
	Consume(ctx context.Context, number, day string, at time.Time) (bool, error)

	// Release undoes one Consume made on day. It is a no-op once the day
	// has rolled over or nothing was sent.
	Release(ctx context.Context, number, day string) error

	// Increment bumps the today and lifetime values of counter.
	Increment(ctx context.Context, number string, counter Counter) error
}

// TokenBucket is a per-key continuously refilling rate limiter.
type TokenBucket interface {
	// Take removes one token. When none is available it reports false and
	// how long until the next token.
	Take(ctx context.Context, key string, ratePerMinute int) (bool, time.Duration, error)

	// Refund returns a token taken by a send that did not go out.
	Refund(ctx context.Context, key string, ratePerMinute int) error
}
