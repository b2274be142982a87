// Package circuitbreaker suspends sends through an SMS provider after a run
// of provider-side failures and lets a trial message through once a cooldown
// has passed.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a provider.
//
//	Sending -> Suspended:  Threshold consecutive outages
//	Suspended -> Trial:    Cooldown has passed since the last outage
//	Trial -> Sending:      the trial send is accepted
//	Trial -> Suspended:    the trial send hits an outage
type State int

const (
	StateSending State = iota
	StateSuspended
	StateTrial
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSuspended:
		return "suspended"
	case StateTrial:
		return "trial"
	default:
		return "unknown"
	}
}

// ErrSuspended is returned for sends refused while a provider is suspended.
// Dispatch treats it as a transient failure.
var ErrSuspended = errors.New("sms provider suspended after repeated failures")

// Verdict is what one send says about the provider's health.
type Verdict int

const (
	// Accepted: the provider took the message.
	Accepted Verdict = iota
	// Outage: the provider or the network failed.
	Outage
	// Unrelated: the send failed for reasons of its own, such as a
	// rejected recipient or a cancelled dispatch.
	Unrelated
)

type Config struct {
	// Provider is the transport name, e.g. "twilio".
	Provider string

	Threshold int
	Cooldown  time.Duration
	Trials    int

	Now func() time.Time
}

// DefaultConfig returns the thresholds for a provider.
func DefaultConfig(provider string) Config {
	cfg := Config{
		Provider:  provider,
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Trials:    1,
	}
	switch provider {
	case "sns":
		cfg.Threshold = 10
		cfg.Cooldown = time.Minute
	case "log":
		cfg.Cooldown = 5 * time.Second
	}
	return cfg
}

// CircuitBreaker guards one provider. Dispatch workers share it.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	state      State
	streak     int
	lastOutage time.Time
	since      time.Time
	trials     int

	attempts int64
	accepted int64
	outages  int64
	refused  int64
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Provider)
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = def.Trials
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger.Info("provider breaker configured",
		zap.String("provider", cfg.Provider),
		zap.Int("threshold", cfg.Threshold),
		zap.Duration("cooldown", cfg.Cooldown),
	)

	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		state:  StateSending,
		since:  cfg.Now(),
	}
}

func (cb *CircuitBreaker) Provider() string {
	return cb.cfg.Provider
}

// Admit returns nil when a send may go to the provider. Every admitted
// send must be followed by exactly one Report.
func (cb *CircuitBreaker) Admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.attempts++

	switch cb.state {
	case StateSending:
		return nil

	case StateSuspended:
		if cb.cfg.Now().Sub(cb.lastOutage) < cb.cfg.Cooldown {
			break
		}
		cb.enter(StateTrial)
		cb.logger.Info("provider cooldown over, sending trial message",
			zap.String("provider", cb.cfg.Provider),
		)
		fallthrough

	case StateTrial:
		if cb.trials < cb.cfg.Trials {
			cb.trials++
			return nil
		}
	}

	cb.refused++
	return fmt.Errorf("%w: %s", ErrSuspended, cb.cfg.Provider)
}

// Report records the verdict of an admitted send.
func (cb *CircuitBreaker) Report(v Verdict) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trial := cb.state == StateTrial
	if trial && cb.trials > 0 {
		cb.trials--
	}

	switch v {
	case Accepted:
		cb.accepted++
		cb.streak = 0
		if trial {
			cb.enter(StateSending)
			cb.logger.Info("provider recovered, sending resumed",
				zap.String("provider", cb.cfg.Provider),
			)
		}

	case Outage:
		cb.outages++
		cb.streak++
		cb.lastOutage = cb.cfg.Now()
		switch {
		case trial:
			cb.enter(StateSuspended)
			cb.logger.Warn("provider trial send failed, suspended again",
				zap.String("provider", cb.cfg.Provider),
				zap.Duration("cooldown", cb.cfg.Cooldown),
			)
		case cb.state == StateSending && cb.streak >= cb.cfg.Threshold:
			cb.enter(StateSuspended)
			cb.logger.Warn("provider suspended",
				zap.String("provider", cb.cfg.Provider),
				zap.Int("consecutive_outages", cb.streak),
				zap.Duration("cooldown", cb.cfg.Cooldown),
			)
		}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is the breaker's health report entry.
type Stats struct {
	Provider           string `json:"provider"`
	State              string `json:"state"`
	ConsecutiveOutages int    `json:"consecutive_outages"`
	Attempts           int64  `json:"attempts"`
	Accepted           int64  `json:"accepted"`
	Outages            int64  `json:"outages"`
	Refused            int64  `json:"refused"`
	LastOutage         string `json:"last_outage,omitempty"`
	Since              string `json:"since"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Provider:           cb.cfg.Provider,
		State:              cb.state.String(),
		ConsecutiveOutages: cb.streak,
		Attempts:           cb.attempts,
		Accepted:           cb.accepted,
		Outages:            cb.outages,
		Refused:            cb.refused,
		Since:              cb.since.Format(time.RFC3339),
	}
	if !cb.lastOutage.IsZero() {
		s.LastOutage = cb.lastOutage.Format(time.RFC3339)
	}
	return s
}

// enter must be called with mu held.
func (cb *CircuitBreaker) enter(next State) {
	if cb.state == next {
		return
	}
	cb.logger.Debug("provider state change",
		zap.String("provider", cb.cfg.Provider),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", next),
	)
	cb.state = next
	cb.since = cb.cfg.Now()
	cb.trials = 0
}
