package encoding

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText converts s to Unicode NFC so that composed and decomposed forms
// written by different devices compare equal.
func NormalizeText(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

// EqualText compares two strings after NFC normalization
func EqualText(a, b string) bool {
	if a == b {
		return true
	}
	return NormalizeText(a) == NormalizeText(b)
}

// NormalizeKey trims and normalizes a cache or routing key component
func NormalizeKey(s string) string {
	return NormalizeText(strings.TrimSpace(s))
}
