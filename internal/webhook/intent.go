package webhook

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// Intent labels for inbound replies.
const (
	IntentOptOut        = "optout"
	IntentWrongNumber   = "wrong_number"
	IntentNotInterested = "not_interested"
	IntentInterested    = "interested"
	IntentPrice         = "price_response"
	IntentAppointment   = "appointment"
	IntentDelay         = "delay"
	IntentInquiry       = "inquiry"
	IntentNeutral       = "neutral"
	IntentBlank         = "blank"
)

// Classification is the classifier's verdict on one inbound message.
type Classification struct {
	Intent       string `json:"intent"`
	ShouldOptOut bool   `json:"should_opt_out"`
}

// Classifier labels inbound message bodies. It never fails; an
// implementation that cannot reach its backend falls back to rules.
type Classifier interface {
	Classify(ctx context.Context, body string) Classification
}

// OptOutKeywords stop all further sends to the sender.
var OptOutKeywords = []string{
	"stop", "stopall", "unsubscribe", "remove", "opt out", "opt-out", "optout",
	"quit", "cancel", "end",
}

type rule struct {
	intent  string
	phrases []string
	words   []string
}

// Rules run in order; the first match wins.
var rules = []rule{
	{intent: IntentWrongNumber, phrases: []string{
		"wrong number", "not mine", "dont own", "do not own", "new number",
		"not the owner", "i sold", "no longer own", "sold this", "wrong person", "new owner",
	}},
	{intent: IntentAppointment, phrases: []string{
		"appointment", "schedule", "set up", "meeting", "tomorrow at", "see you",
	}, words: []string{"meet"}},
	{intent: IntentNotInterested, phrases: []string{
		"not interested", "not selling", "dont want to sell", "no interest", "dont bother",
		"stop texting", "scam", "spam", "go away", "lose my number",
	}, words: []string{"no", "nope", "nah"}},
	{intent: IntentDelay, phrases: []string{
		"later", "next week", "tomorrow", "busy", "follow up", "reach out",
	}},
	{intent: IntentInquiry, phrases: []string{
		"who is this", "whos this", "who dis", "who are you",
		"how did you get my number", "why do you have my number", "where did you get my number",
	}},
	{intent: IntentPrice, phrases: []string{
		"asking", "$", "ballpark", "in mind", "range", "condition", "repairs", "needs work",
		"renovated", "tenant", "vacant", "as-is",
	}},
	{intent: IntentInterested, phrases: []string{
		"offer", "how much", "price", "cash", "interested", "curious", "quote",
		"thats me", "that is me", "of course",
	}, words: []string{"yes", "yeah", "yep", "sure", "correct"}},
	{intent: IntentNeutral, phrases: []string{
		"maybe", "not sure", "thinking", "depends", "idk", "i dont know",
	}},
}

var wordPatterns = map[string]*regexp.Regexp{}

func init() {
	for _, r := range rules {
		for _, w := range r.words {
			wordPatterns[w] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
		}
	}
	for _, k := range OptOutKeywords {
		wordPatterns[k] = regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`)
	}
}

// RuleClassifier is a keyword classifier.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, body string) Classification {
	text := normalizeText(body)
	if text == "" {
		return Classification{Intent: IntentBlank}
	}
	if IsOptOut(text) {
		return Classification{Intent: IntentOptOut, ShouldOptOut: true}
	}

	for _, r := range rules {
		if matches(text, r) {
			return Classification{Intent: r.intent, ShouldOptOut: r.intent == IntentWrongNumber}
		}
	}
	return Classification{Intent: IntentNeutral}
}

// IsOptOut reports whether body contains an opt-out keyword as a whole word.
// "Weekend" does not match "end".
func IsOptOut(body string) bool {
	text := normalizeText(body)
	for _, k := range OptOutKeywords {
		if wordPatterns[k].MatchString(text) {
			return true
		}
	}
	return false
}

func matches(text string, r rule) bool {
	for _, p := range r.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	for _, w := range r.words {
		if wordPatterns[w].MatchString(text) {
			return true
		}
	}
	return false
}

// normalizeText lowercases and drops punctuation except '$' and '-'.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '$' || r == '-':
			b.WriteRune(r)
		case unicode.IsPunct(r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
