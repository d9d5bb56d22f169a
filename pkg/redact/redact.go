// Package redact scrubs personally identifying details from log output.
// Phone sessions carry caller speech, so transcript and turn-outcome text is
// passed through Text before it reaches a log line.
package redact

import (
	"regexp"
	"sync/atomic"
)

var enabled atomic.Bool

func init() { enabled.Store(true) }

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles redaction process-wide. On by default; sessions opt out
// through the privacy config.
func SetEnabled(on bool) { enabled.Store(on) }

// Enabled reports whether Text currently scrubs its input.
func Enabled() bool { return enabled.Load() }

// Text replaces email addresses and phone numbers in s with placeholders.
// When redaction is disabled, s passes through unchanged.
func Text(s string) string {
	if s == "" || !enabled.Load() {
		return s
	}
	s = emailPattern.ReplaceAllString(s, "[email]")
	s = phonePattern.ReplaceAllString(s, "[phone]")
	return s
}
