package numbers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for STORE_DRIVER=memory and tests.
type MemoryStore struct {
	mu      sync.Mutex
	numbers map[string]*Number
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{numbers: make(map[string]*Number)}
}

func (s *MemoryStore) List(ctx context.Context, market string) ([]*Number, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Number
	for _, n := range s.numbers {
		if market == "" || n.Market == market {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, number string) (*Number, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[number]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, number)
	}
	return n.Clone(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, n *Number) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if cur, ok := s.numbers[n.Number]; ok {
		cur.Market = n.Market
		cur.Active = n.Active
		cur.DailyLimit = n.DailyLimit
		cur.Timezone = n.Timezone
		cur.RemainingToday = cur.Remaining()
		cur.UpdatedAt = now
		return nil
	}

	c := n.Clone()
	c.RemainingToday = c.Remaining()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.numbers[c.Number] = c
	return nil
}

func (s *MemoryStore) ResetDay(ctx context.Context, number, day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[number]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, number)
	}
	if n.QuotaDay == day {
		return false, nil
	}

	n.QuotaDay = day
	n.SentToday = 0
	n.DeliveredToday = 0
	n.FailedToday = 0
	n.OptOutsToday = 0
	n.RemainingToday = n.DailyLimit
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) Consume(ctx context.Context, number, day string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[number]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, number)
	}
	if !n.Active || n.QuotaDay != day || n.RemainingToday <= 0 {
		return false, nil
	}

	n.SentToday++
	n.SentTotal++
	n.RemainingToday = n.Remaining()
	n.LastUsedAt = at.UTC()
	n.UpdatedAt = at.UTC()
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, number, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[number]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, number)
	}
	if n.QuotaDay != day || n.SentToday <= 0 {
		return nil
	}

	n.SentToday--
	n.SentTotal--
	n.RemainingToday = n.Remaining()
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, number string, counter Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.numbers[number]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, number)
	}

	switch counter {
	case CounterDelivered:
		n.DeliveredToday++
		n.DeliveredTotal++
	case CounterFailed:
		n.FailedToday++
		n.FailedTotal++
	case CounterOptOut:
		n.OptOutsToday++
		n.OptOutsTotal++
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}
