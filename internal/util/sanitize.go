package util

import (
	"html"
	"strings"
	"unicode"
)

// MaxDisplayNameLength bounds the raw name accepted from a connection attempt.
const MaxDisplayNameLength = 64

// SanitizeInput trims, drops control characters and escapes HTML so the value
// is safe to echo back in JSON and admin listings.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags markup or template fragments in free-text admin input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
