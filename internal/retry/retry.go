// Package retry classifies send failures and computes retry backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Class is the outcome of classifying a send failure.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// MaxErrorLength bounds the stored lastError text.
const MaxErrorLength = 500

// DefaultPermanentSignals are lower-case fragments of provider error text
// that mean a retry can never succeed.
var DefaultPermanentSignals = []string{
	"invalid",
	"not a valid",
	"blacklist",
	"landline",
	"blocked",
	"disconnected",
	"unreachable",
	"unknown subscriber",
	"rejected by carrier",
	"opted out",
}

type Config struct {
	Base             time.Duration
	MaxRetries       int
	PermanentSignals []string
}

func DefaultConfig() Config {
	return Config{
		Base:             30 * time.Minute,
		MaxRetries:       3,
		PermanentSignals: DefaultPermanentSignals,
	}
}

// Policy is safe for concurrent use.
type Policy struct {
	base       time.Duration
	maxRetries int
	signals    []string
}

func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.PermanentSignals) == 0 {
		cfg.PermanentSignals = DefaultPermanentSignals
	}

	signals := make([]string, 0, len(cfg.PermanentSignals))
	for _, s := range cfg.PermanentSignals {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			signals = append(signals, s)
		}
	}

	return &Policy{
		base:       cfg.Base,
		maxRetries: cfg.MaxRetries,
		signals:    signals,
	}
}

// MaxRetries returns the retry budget per item.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Classify returns Permanent when the error text carries a hard-failure
// signal. Timeouts, cancellations and provider 408/429/5xx responses are
// always Transient.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if code := sc.HTTPStatus(); code == 408 || code == 429 || code >= 500 {
			return Transient
		}
	}

	text := strings.ToLower(err.Error())
	for _, sig := range p.signals {
		if strings.Contains(text, sig) {
			return Permanent
		}
	}
	return Transient
}

// NextBackoff returns base * 2^(retryCount-1). giveUp is true once
// retryCount has reached the retry budget.
func (p *Policy) NextBackoff(retryCount int) (backoff time.Duration, giveUp bool) {
	if retryCount >= p.maxRetries {
		return 0, true
	}
	if retryCount < 1 {
		retryCount = 1
	}

	factor := math.Pow(2, float64(retryCount-1))
	d := time.Duration(float64(p.base) * factor)
	if d <= 0 || d > 30*24*time.Hour {
		d = 30 * 24 * time.Hour
	}
	return d, false
}

// Decision is what the dispatcher should do with a failed send.
type Decision struct {
	Class      Class
	GiveUp     bool
	NextSendAt time.Time
	Reason     string
}

// Decide applies Classify then NextBackoff. retryCount is the item's count
// before this failure.
func (p *Policy) Decide(err error, retryCount int, now time.Time) Decision {
	d := Decision{
		Class:  p.Classify(err),
		Reason: Truncate(errText(err)),
	}

	if d.Class == Permanent {
		d.GiveUp = true
		return d
	}

	backoff, giveUp := p.NextBackoff(retryCount + 1)
	d.GiveUp = giveUp
	if !giveUp {
		d.NextSendAt = now.Add(backoff)
	}
	return d
}

// Truncate bounds s to MaxErrorLength bytes without splitting a rune.
func Truncate(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	cut := MaxErrorLength
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
