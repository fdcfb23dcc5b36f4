package model

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var ErrInvalidDestination = errors.New("invalid destination")

// NormalizeDestination returns the canonical form used for hashing, tracking
// and suppression matching. Emails are trimmed and lower-cased; phone numbers
// keep a leading '+' and digits only, with an international "00" prefix
// rewritten to '+'.
func NormalizeDestination(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDestination)
	}
	if strings.Contains(s, "@") {
		return normalizeEmail(s)
	}
	return normalizePhone(s)
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDestination, s, err)
	}
	return strings.ToLower(addr.Address), nil
}

func normalizePhone(s string) (string, error) {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidDestination, s)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 6 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	return out, nil
}

// Redact masks a destination for log output.
func Redact(dest string) string {
	if at := strings.IndexByte(dest, '@'); at >= 0 {
		name := dest[:at]
		if len(name) > 2 {
			return name[:2] + "***" + dest[at:]
		}
		return "***" + dest[at:]
	}
	if len(dest) > 4 {
		return strings.Repeat("*", len(dest)-4) + dest[len(dest)-4:]
	}
	return "****"
}
