package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	StatusCallbackURL string
}

// messageCreator is the slice of the Twilio REST client used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioTransport sends SMS through the Twilio Messages API.
type TwilioTransport struct {
	api      messageCreator
	callback string
	logger   *zap.Logger
}

func NewTwilioTransport(cfg TwilioConfig, logger *zap.Logger) (*TwilioTransport, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioTransport{
		api:      client.Api,
		callback: cfg.StatusCallbackURL,
		logger:   logger,
	}, nil
}

func (t *TwilioTransport) Name() string {
	return "twilio"
}

func (t *TwilioTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetBody(msg.Body)
	if t.callback != "" {
		params.SetStatusCallback(t.callback)
	}

	// The Twilio SDK does not take a context; a cancelled context is
	// reported as such even if the request went out.
	type result struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		done <- result{resp, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r = <-done:
	}

	if r.err != nil {
		return "", twilioError(r.err)
	}
	if r.resp == nil || r.resp.Sid == nil {
		return "", &TransportError{Body: "twilio response missing message sid"}
	}

	t.logger.Debug("sms accepted by twilio",
		zap.String("sid", *r.resp.Sid),
		zap.String("from", msg.From),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return *r.resp.Sid, nil
}

func twilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		return &TransportError{
			StatusCode: restErr.Status,
			Body:       fmt.Sprintf("%d %s", restErr.Code, restErr.Message),
			Err:        err,
		}
	}
	return &TransportError{Err: err}
}
