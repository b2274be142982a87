package drip

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store used by STORE_DRIVER=memory and
// tests. State does not survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("drip item %s already exists", item.ID)
	}

	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.NextSendAt = item.NextSendAt.UTC()
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return it.Clone(), nil
}

func (s *MemoryStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.dueLocked([]Status{StatusReady}, now, limit)
	ts := s.now()
	claimed := make([]*Item, 0, len(due))
	for _, it := range due {
		it.Status = StatusSending
		it.UpdatedAt = ts
		claimed = append(claimed, it.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from Status, u Update) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, id, it.Status, from)
	}

	u.apply(it, s.now())
	return it.Clone(), nil
}

func (s *MemoryStore) ListDue(ctx context.Context, statuses []Status, now time.Time, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.dueLocked(statuses, now, limit)
	out := make([]*Item, len(due))
	for i, it := range due {
		out[i] = it.Clone()
	}
	return out, nil
}

func (s *MemoryStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if providerMessageID != "" && it.ProviderMessageID == providerMessageID {
			return it.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: provider message %s", ErrNotFound, providerMessageID)
}

func (s *MemoryStore) ListByPhone(ctx context.Context, phone string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Item
	for _, it := range s.items {
		if it.Phone == phone {
			out = append(out, it.Clone())
		}
	}
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, it := range s.items {
		counts[it.Status]++
	}
	return counts, nil
}

// dueLocked returns live pointers; callers hold s.mu.
func (s *MemoryStore) dueLocked(statuses []Status, now time.Time, limit int) []*Item {
	var due []*Item
	for _, it := range s.items {
		if !hasStatus(statuses, it.Status) || it.NextSendAt.After(now) {
			continue
		}
		due = append(due, it)
	}
	sortItems(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].NextSendAt.Equal(items[j].NextSendAt) {
			return items[i].NextSendAt.Before(items[j].NextSendAt)
		}
		return items[i].ID < items[j].ID
	})
}

func hasStatus(statuses []Status, s Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
