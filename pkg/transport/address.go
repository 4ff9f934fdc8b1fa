package transport

import (
	"fmt"
	"strings"
)

// DefaultDomain is the server part appended to bare phone numbers.
const DefaultDomain = "s.whatsapp.net"

// NormalizeAddress turns a recipient into the transport's addressing form.
// Fully-qualified addresses (containing "@") pass through unchanged, so
// normalizing twice gives the same result. Bare numbers lose "+", spaces,
// dashes, dots and parentheses and get "@domain" appended.
func NormalizeAddress(raw, domain string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.Contains(addr, "@") {
		if strings.HasPrefix(addr, "@") || strings.HasSuffix(addr, "@") {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return addr, nil
	}
	if domain == "" {
		domain = DefaultDomain
	}

	digits := strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, addr)
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q has non-digit characters", ErrInvalidAddress, raw)
		}
	}
	return digits + "@" + domain, nil
}
