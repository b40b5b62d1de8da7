package messaging

import (
	"strings"
	"unicode/utf8"
)

// MaxContentChars bounds message content length (runes).
const MaxContentChars = 4000

// CanonicalPair orders two participant ids byte-wise so the unordered pair has one key.
func CanonicalPair(a, b string) (low, high string, err error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", invalid("messaging.CanonicalPair", "empty participant id")
	}
	if a == b {
		return "", "", invalid("messaging.CanonicalPair", "participants must differ")
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}

// NormalizeContent trims surrounding whitespace and enforces the length limit.
func NormalizeContent(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("messaging.NormalizeContent", "empty content")
	}
	if utf8.RuneCountInString(s) > MaxContentChars {
		return "", invalid("messaging.NormalizeContent", "content too long")
	}
	return s, nil
}
