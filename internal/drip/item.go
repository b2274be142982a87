// Package drip implements the persisted queue of scheduled SMS sends and
// the status state machine that governs them.
package drip

import (
	"time"
)

// Status of a queued send.
//
// State transitions:
//
//	QUEUED    -> READY      due (and promoted by the dispatcher)
//	READY     -> SENDING    claimed by a dispatch worker
//	SENDING   -> SENT       transport accepted
//	SENDING   -> RETRY      transient failure, budget left
//	SENDING   -> FAILED     permanent failure or budget exhausted
//	SENDING   -> READY      no sending number available (deferred)
//	SENDING   -> THROTTLED  number rate limit hit (deferred)
//	RETRY     -> READY      backoff elapsed
//	RETRY     -> FAILED     retryCount >= max
//	THROTTLED -> READY      delay elapsed
//	SENT      -> DELIVERED  delivery receipt
//	SENT      -> FAILED     failed/undelivered receipt
//	non-terminal -> DNC     recipient opted out
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusReady     Status = "READY"
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusRetry     Status = "RETRY"
	StatusThrottled Status = "THROTTLED"
	StatusDNC       Status = "DNC"
)

// AllStatuses in state machine order.
var AllStatuses = []Status{
	StatusQueued, StatusReady, StatusSending, StatusSent, StatusDelivered,
	StatusFailed, StatusRetry, StatusThrottled, StatusDNC,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDNC
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusQueued:    {StatusReady, StatusDNC},
	StatusReady:     {StatusSending, StatusDNC},
	StatusSending:   {StatusSent, StatusRetry, StatusFailed, StatusReady, StatusThrottled, StatusDNC},
	StatusRetry:     {StatusReady, StatusFailed, StatusDNC},
	StatusThrottled: {StatusReady, StatusDNC},
	StatusSent:      {StatusDelivered, StatusFailed, StatusDNC},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is one scheduled send.
type Item struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	FromNumber        string    `json:"from_number,omitempty"`
	Market            string    `json:"market,omitempty"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	TemplateID        string    `json:"template_id,omitempty"`
	ProspectID        string    `json:"prospect_id,omitempty"`
	Body              string    `json:"message_body"`
	Status            Status    `json:"status"`
	NextSendAt        time.Time `json:"next_send_at"`
	RetryCount        int       `json:"retry_count"`
	LastError         string    `json:"last_error,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SentAt            time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand out from a store.
func (it *Item) Clone() *Item {
	c := *it
	return &c
}

// Update is a partial write applied by Store.Transition. Nil fields are left
// unchanged.
type Update struct {
	Status            Status
	NextSendAt        *time.Time
	FromNumber        *string
	RetryCount        *int
	LastError         *string
	ProviderMessageID *string
	SentAt            *time.Time
}

// apply mutates it in place. Shared by every Store implementation that
// keeps items in memory.
func (u Update) apply(it *Item, now time.Time) {
	it.Status = u.Status
	if u.NextSendAt != nil {
		it.NextSendAt = u.NextSendAt.UTC()
	}
	if u.FromNumber != nil {
		it.FromNumber = *u.FromNumber
	}
	if u.RetryCount != nil {
		it.RetryCount = *u.RetryCount
	}
	if u.LastError != nil {
		it.LastError = *u.LastError
	}
	if u.ProviderMessageID != nil {
		it.ProviderMessageID = *u.ProviderMessageID
	}
	if u.SentAt != nil {
		it.SentAt = u.SentAt.UTC()
	}
	it.UpdatedAt = now
}
