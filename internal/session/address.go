package session

import (
	"strings"

	"github.com/hakancinelii/whatistaspp/internal/transport"
)

// NormalizeAddress rewrites bare local-format numbers to international JIDs.
// Addresses already tagged as internal-id or group JIDs pass through
// unchanged.
func NormalizeAddress(to string) string {
	if strings.Contains(to, "@") {
		return to
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)

	switch {
	case strings.HasPrefix(digits, "0") && len(digits) == 11:
		digits = "9" + digits // 05XXXXXXXXX → 905XXXXXXXXX
	case strings.HasPrefix(digits, "5") && len(digits) == 10:
		digits = "90" + digits
	}
	return digits + transport.SuffixUser
}

// StripSuffix returns the local part of a JID, or the input unchanged when
// it carries no suffix.
func StripSuffix(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}
