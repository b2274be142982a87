package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTextGridURL = "https://api.textgrid.com"

type TextGridConfig struct {
	AccountSID        string
	AuthToken         string
	BaseURL           string
	StatusCallbackURL string
	Timeout           time.Duration
}

// TextGridTransport posts messages to a Twilio-compatible REST endpoint.
type TextGridTransport struct {
	client   *http.Client
	baseURL  string
	sid      string
	token    string
	callback string
	logger   *zap.Logger
}

func NewTextGridTransport(cfg TextGridConfig, logger *zap.Logger) (*TextGridTransport, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("textgrid account sid and auth token are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTextGridURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &TextGridTransport{
		client:   &http.Client{Timeout: cfg.Timeout},
		baseURL:  cfg.BaseURL,
		sid:      cfg.AccountSID,
		token:    cfg.AuthToken,
		callback: cfg.StatusCallbackURL,
		logger:   logger,
	}, nil
}

func (t *TextGridTransport) Name() string {
	return "textgrid"
}

type textGridRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Body           string `json:"body"`
	StatusCallback string `json:"statusCallback,omitempty"`
}

type textGridResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (t *TextGridTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}

	payload, err := json.Marshal(textGridRequest{
		From:           msg.From,
		To:             msg.To,
		Body:           msg.Body,
		StatusCallback: t.callback,
	})
	if err != nil {
		return "", fmt.Errorf("marshal textgrid request: %w", err)
	}

	url := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create textgrid request: %w", err)
	}

	req.SetBasicAuth(t.sid, t.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dripline/1.0")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Err: fmt.Errorf("textgrid request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TransportError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out textGridResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &TransportError{StatusCode: resp.StatusCode, Body: string(body), Err: err}
	}
	if out.SID == "" {
		return "", &TransportError{StatusCode: resp.StatusCode, Body: "textgrid response missing sid"}
	}

	t.logger.Debug("sms accepted by textgrid",
		zap.String("sid", out.SID),
		zap.String("status", out.Status),
		zap.String("idempotency_key", msg.IdempotencyKey),
	)
	return out.SID, nil
}
