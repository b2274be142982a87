package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/dripline/internal/webhook"
)

const systemPrompt = `You label SMS replies from property owners to a real estate outreach text.
Answer with a JSON object {"intent": "<label>"} using exactly one label:
wrong_number    the sender says we have the wrong person or they do not own the property
not_interested  a clear no
interested      open to an offer or wants to talk
price_response  names a price or amount
appointment     proposes or accepts a time to talk or meet
delay           asks to be contacted later
inquiry         asks who we are or what this is about
neutral         anything else`

var labels = map[string]bool{
	webhook.IntentWrongNumber:   true,
	webhook.IntentNotInterested: true,
	webhook.IntentInterested:    true,
	webhook.IntentPrice:         true,
	webhook.IntentAppointment:   true,
	webhook.IntentDelay:         true,
	webhook.IntentInquiry:       true,
	webhook.IntentNeutral:       true,
}

// Completer returns a JSON object reply for a prompt pair.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Classifier asks the model for an intent. Opt-out keywords and blank
// bodies are decided by the rule classifier and never reach the model, and
// any model failure falls back to the rule verdict.
type Classifier struct {
	model    Completer
	fallback webhook.Classifier
	logger   *zap.Logger
}

func NewClassifier(model Completer, logger *zap.Logger) *Classifier {
	return &Classifier{
		model:    model,
		fallback: webhook.RuleClassifier{},
		logger:   logger,
	}
}

func (c *Classifier) Classify(ctx context.Context, body string) webhook.Classification {
	rule := c.fallback.Classify(ctx, body)
	if rule.ShouldOptOut || rule.Intent == webhook.IntentBlank {
		return rule
	}

	intent, err := c.ask(ctx, body)
	if err != nil {
		c.logger.Warn("ai intent classification failed, using rules",
			zap.Error(err),
			zap.String("rule_intent", rule.Intent),
		)
		return rule
	}

	return webhook.Classification{
		Intent:       intent,
		ShouldOptOut: intent == webhook.IntentWrongNumber,
	}
}

func (c *Classifier) ask(ctx context.Context, body string) (string, error) {
	reply, err := c.model.CompleteJSON(ctx, systemPrompt, body)
	if err != nil {
		return "", err
	}

	var out struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(reply), &out); err != nil {
		return "", fmt.Errorf("parse model reply: %w", err)
	}

	intent := strings.ToLower(strings.TrimSpace(out.Intent))
	if !labels[intent] {
		return "", fmt.Errorf("model returned unknown intent %q", out.Intent)
	}
	return intent, nil
}
