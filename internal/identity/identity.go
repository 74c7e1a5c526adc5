// Package identity normalizes platform user identifiers for comparison:
// compound "id|username" allowlist entries and digit-only phone numbers.
package identity

import "strings"

// SplitCompound splits "123456|username" into its ID and username parts.
// IDs without a "|" return an empty username.
func SplitCompound(s string) (id, username string) {
	if idx := strings.IndexByte(s, '|'); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// MatchAllowList reports whether senderID matches any allowlist entry.
// Supports compound senderID format "123456|username" on either side and a
// leading "@" on usernames. An empty list matches nobody.
func MatchAllowList(list []string, senderID string) bool {
	if senderID == "" {
		return false
	}
	idPart, userPart := SplitCompound(senderID)

	for _, allowed := range list {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" {
			return true
		}
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := SplitCompound(trimmed)

		if senderID == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (strings.EqualFold(userPart, trimmed) || strings.EqualFold(userPart, allowedUser))) {
			return true
		}
	}
	return false
}

// Digits strips everything but ASCII digits. "+1 (555) 010-2000" → "15550102000".
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// StripJIDServer drops the "@server" suffix of a WhatsApp JID and any device
// part ("15550102000:12@s.whatsapp.net" → "15550102000").
func StripJIDServer(jid string) string {
	if idx := strings.IndexByte(jid, '@'); idx >= 0 {
		jid = jid[:idx]
	}
	if idx := strings.IndexByte(jid, ':'); idx >= 0 {
		jid = jid[:idx]
	}
	return jid
}

// SamePhone compares two phone-ish identifiers by their digits.
// Values with no digits never match.
func SamePhone(a, b string) bool {
	da, db := Digits(a), Digits(b)
	return da != "" && da == db
}

// LooksLikePhone reports whether s (after JID stripping) is an optionally
// "+"-prefixed run of at least 7 digits.
func LooksLikePhone(s string) bool {
	s = strings.TrimPrefix(StripJIDServer(strings.TrimSpace(s)), "+")
	if len(s) < 7 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
