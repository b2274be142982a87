package circuitbreaker

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/transport"
)

// ProtectedTransport sends through a transport only while its provider is
// not suspended.
type ProtectedTransport struct {
	next    transport.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedTransport(next transport.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		next:    next,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedTransport) Name() string {
	return p.next.Name()
}

func (p *ProtectedTransport) Send(ctx context.Context, msg transport.Message) (string, error) {
	if err := p.breaker.Admit(); err != nil {
		p.logger.Warn("send refused, provider suspended",
			zap.String("provider", p.breaker.Provider()),
			zap.String("idempotency_key", msg.IdempotencyKey),
		)
		return "", err
	}

	id, err := p.next.Send(ctx, msg)
	v := Judge(err)
	p.breaker.Report(v)
	if v == Outage {
		p.logger.Debug("provider outage recorded",
			zap.String("provider", p.breaker.Provider()),
			zap.Error(err),
		)
	}
	return id, err
}

// Judge maps a send result to a Verdict. Provider 4xx responses other than
// 408 and 429 concern the message, not the provider.
func Judge(err error) Verdict {
	if err == nil {
		return Accepted
	}
	if errors.Is(err, context.Canceled) {
		return Unrelated
	}
	switch code := transport.StatusCode(err); {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return Outage
	case code >= 400 && code < 500:
		return Unrelated
	}
	return Outage
}
