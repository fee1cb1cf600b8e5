package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (host names, usernames, remote paths) so they cannot forge log
// lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 0x7f {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Redact masks a secret, keeping only its length class. Used when a log line
// has to acknowledge a secret exists without revealing any of it.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}
