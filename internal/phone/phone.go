// Package phone normalizes recipient and sending numbers to E.164.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPhone is returned when a number cannot be normalized to E.164.
var ErrInvalidPhone = errors.New("invalid phone number")

// Normalize converts a raw phone string to E.164.
//
// Accepted inputs:
//
//	10 digits           -> +1XXXXXXXXXX (US/CA national format)
//	11 digits with 1    -> +1XXXXXXXXXX
//	leading '+'         -> '+' followed by 8-15 digits
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}

	digits := digitsOnly(s)

	if strings.HasPrefix(s, "+") {
		if len(digits) < 8 || len(digits) > 15 {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
		return "+" + digits, nil
	}

	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
}

// Valid reports whether raw normalizes cleanly.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Last4 is used when logging recipient numbers.
func Last4(e164 string) string {
	if len(e164) <= 4 {
		return e164
	}
	return "***" + e164[len(e164)-4:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
