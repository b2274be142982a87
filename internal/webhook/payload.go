package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidPayload marks a webhook body that cannot be processed. The
// provider should not redeliver it.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Fields is a flattened webhook payload.
type Fields map[string]string

// First returns the first non-empty value among keys.
func (f Fields) First(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			return v
		}
	}
	return ""
}

// ParseFields decodes a JSON object or a form-encoded body. Non-string JSON
// values are rendered with fmt.
func ParseFields(contentType string, body []byte) (Fields, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/json" || (mediaType == "" && looksLikeJSON(body)) {
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out := make(Fields, len(raw))
		for k, v := range raw {
			switch t := v.(type) {
			case nil:
			case string:
				out[k] = t
			case float64:
				out[k] = strconv.FormatFloat(t, 'f', -1, 64)
			default:
				out[k] = fmt.Sprint(t)
			}
		}
		return out, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := make(Fields, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}

func looksLikeJSON(body []byte) bool {
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "{")
}

// Inbound is a message received on one of our numbers.
type Inbound struct {
	MessageID string
	From      string
	To        string
	Body      string
}

// Receipt is a provider delivery status callback.
type Receipt struct {
	MessageID string
	Status    string
	Error     string
}

var messageIDKeys = []string{"MessageSid", "SmsSid", "MessageId", "MessageID", "sid"}

func InboundFromFields(f Fields) (Inbound, error) {
	in := Inbound{
		MessageID: f.First(messageIDKeys...),
		From:      f.First("From", "from"),
		To:        f.First("To", "to"),
		Body:      f.First("Body", "body", "Text", "text"),
	}
	if in.From == "" {
		return in, fmt.Errorf("%w: missing From", ErrInvalidPayload)
	}
	return in, nil
}

func ReceiptFromFields(f Fields) (Receipt, error) {
	r := Receipt{
		MessageID: f.First(messageIDKeys...),
		Status:    f.First("MessageStatus", "DeliveryStatus", "status", "SmsStatus"),
		Error:     f.First("ErrorMessage", "ErrorCode", "error"),
	}
	if r.MessageID == "" {
		return r, fmt.Errorf("%w: missing message id", ErrInvalidPayload)
	}
	if r.Status == "" {
		return r, fmt.Errorf("%w: missing delivery status", ErrInvalidPayload)
	}
	return r, nil
}

// DeliveryState is a provider status folded into what the queue cares about.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryUnknown   DeliveryState = "unknown"
)

func NormalizeStatus(raw string) DeliveryState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "accepted", "sending", "scheduled":
		return DeliveryPending
	case "sent":
		return DeliverySent
	case "delivered", "read":
		return DeliveryDelivered
	case "failed", "undelivered", "canceled":
		return DeliveryFailed
	default:
		return DeliveryUnknown
	}
}
