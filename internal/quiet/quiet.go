// Package quiet decides when outbound sends are disallowed by local quiet hours.
package quiet

import (
	"fmt"
	"time"
)

// Config describes the quiet window. StartHour and EndHour are local hours
// in [0,23]; a window with StartHour > EndHour wraps midnight (21 -> 9 means
// quiet from 21:00 until 09:00 the next morning).
type Config struct {
	Enforced  bool
	StartHour int
	EndHour   int
	Timezone  string
}

// DefaultConfig matches the defaults used in production.
func DefaultConfig() Config {
	return Config{
		Enforced:  true,
		StartHour: 21,
		EndHour:   9,
		Timezone:  "America/Chicago",
	}
}

// Policy is immutable once built and safe for concurrent use.
type Policy struct {
	enforced bool
	start    int
	end      int
	loc      *time.Location
}

// New validates cfg and loads its time zone.
func New(cfg Config) (*Policy, error) {
	if cfg.StartHour < 0 || cfg.StartHour > 23 {
		return nil, fmt.Errorf("quiet start hour out of range: %d", cfg.StartHour)
	}
	if cfg.EndHour < 0 || cfg.EndHour > 23 {
		return nil, fmt.Errorf("quiet end hour out of range: %d", cfg.EndHour)
	}

	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load quiet hours timezone %q: %w", tz, err)
	}

	return &Policy{
		enforced: cfg.Enforced,
		start:    cfg.StartHour,
		end:      cfg.EndHour,
		loc:      loc,
	}, nil
}

// Location returns the policy's local time zone.
func (p *Policy) Location() *time.Location {
	return p.loc
}

// IsQuiet reports whether sending is disallowed at now.
func (p *Policy) IsQuiet(now time.Time) bool {
	if !p.enforced {
		return false
	}
	return p.quietHour(now.In(p.loc).Hour())
}

func (p *Policy) quietHour(h int) bool {
	switch {
	case p.start == p.end:
		return false
	case p.start > p.end:
		return h >= p.start || h < p.end
	default:
		return h >= p.start && h < p.end
	}
}

// NextAllowed returns the first instant at or after now when sending is
// allowed. Outside the quiet window it returns now unchanged.
func (p *Policy) NextAllowed(now time.Time) time.Time {
	if !p.IsQuiet(now) {
		return now
	}

	local := now.In(p.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), p.end, 0, 0, 0, p.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, p.end, 0, 0, 0, p.loc)
	}

	return next.UTC()
}
