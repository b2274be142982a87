// Package transport sends SMS messages through a provider and normalizes
// provider failures into TransportError.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is one outbound SMS.
type Message struct {
	From string
	To   string
	Body string

	// IdempotencyKey is the drip item id, so every retry of one message
	// carries the same key. Providers that support request deduplication receive it verbatim.
	IdempotencyKey string
}

// Transport is implemented by every SMS provider client.
type Transport interface {
	// Send returns the provider's message identifier once the provider has
	// accepted the message.
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
}

// TransportError is a provider rejection. StatusCode is 0 when the request
// never produced an HTTP response.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("transport error (status %d): %s: %v", e.StatusCode, e.Body, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("transport error (status %d): %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("transport error: %v", e.Err)
	default:
		return "transport error: " + e.Body
	}
}

// HTTPStatus lets callers classify the error without importing this package.
func (e *TransportError) HTTPStatus() int {
	return e.StatusCode
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the provider status code from err, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

var errMissingField = errors.New("message missing required field")

func validate(msg Message) error {
	if msg.From == "" || msg.To == "" || msg.Body == "" {
		return &TransportError{Body: "from, to and body are required", Err: errMissingField}
	}
	return nil
}
