// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

// SafeTruncate truncates s to maxLen characters without panicking. It is used
// when logging token and code values, where only a short prefix may appear in
// logs. A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
