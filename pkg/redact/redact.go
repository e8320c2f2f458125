// Package redact masks personal data and vendor credentials in transcripts and
// error strings before they reach logs or artifacts.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var rules = []struct {
	re   *regexp.Regexp
	mask string
}{
	// Bearer and sk- style credentials echoed back in vendor error bodies.
	{regexp.MustCompile(`(?i)\b(bearer\s+|token\s+)[a-z0-9._\-]{12,}`), "${1}[REDACTED_KEY]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{12,}`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks credentials, emails and phone numbers when redaction is on.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.mask)
	}
	return out
}

// Snippet redacts in and caps it at max runes for log lines.
func Snippet(in string, max int) string {
	out := Text(strings.TrimSpace(in))
	if max <= 0 {
		return out
	}
	runes := []rune(out)
	if len(runes) <= max {
		return out
	}
	return string(runes[:max]) + "..."
}
