package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conversation is one inbound message with its classified intent.
type Conversation struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	ToNumber          string    `json:"to_number,omitempty"`
	Body              string    `json:"body"`
	Intent            string    `json:"intent"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// OptOut records that a phone asked not to be contacted.
type OptOut struct {
	Phone      string    `json:"phone"`
	Number     string    `json:"number,omitempty"`
	Reason     string    `json:"reason"`
	OptedOutAt time.Time `json:"opted_out_at"`
}

// ContactStore keeps conversation and opt-out records. RecordConversation
// ignores a second record with the same non-empty ProviderMessageID.
type ContactStore interface {
	RecordConversation(ctx context.Context, c *Conversation) error
	RecordOptOut(ctx context.Context, o OptOut) error
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

// MemoryContacts is a process-local ContactStore.
type MemoryContacts struct {
	mu            sync.Mutex
	conversations []*Conversation
	byProviderID  map[string]bool
	optOuts       map[string]OptOut
}

func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{
		byProviderID: make(map[string]bool),
		optOuts:      make(map[string]OptOut),
	}
}

func (m *MemoryContacts) RecordConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ProviderMessageID != "" {
		if m.byProviderID[c.ProviderMessageID] {
			return nil
		}
		m.byProviderID[c.ProviderMessageID] = true
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := *c
	m.conversations = append(m.conversations, &cp)
	return nil
}

func (m *MemoryContacts) RecordOptOut(ctx context.Context, o OptOut) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.optOuts[o.Phone]; !ok {
		m.optOuts[o.Phone] = o
	}
	return nil
}

func (m *MemoryContacts) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.optOuts[phone]
	return ok, nil
}

// Conversations returns recorded conversations for phone, oldest first.
func (m *MemoryContacts) Conversations(phone string) []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Conversation
	for _, c := range m.conversations {
		if c.Phone == phone {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
