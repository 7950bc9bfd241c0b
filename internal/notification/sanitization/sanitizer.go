// Package sanitization redacts sensitive-looking substrings (tokens,
// passwords, connection strings) out of rendered notification bodies before
// they are handed to a Channel adapter. Remediation commands and alert
// labels may carry operator-sensitive values that must never leak into a
// delivered message verbatim.
package sanitization

import "regexp"

const redactedPlaceholder = "***REDACTED***"

// pattern pairs a detector regex with the replacement to apply.
type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// Sanitizer redacts known-sensitive patterns from text.
type Sanitizer struct {
	patterns []pattern
}

// NewSanitizer builds a Sanitizer with the default secret-shaped patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: []pattern{
			{re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`), replacement: "$1: " + redactedPlaceholder},
			{re: regexp.MustCompile(`(?i)(token|api[_-]?key|secret)\s*[:=]\s*\S+`), replacement: "$1: " + redactedPlaceholder},
			{re: regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]+`), replacement: "Bearer " + redactedPlaceholder},
			{re: regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`), replacement: "://" + redactedPlaceholder + "@"},
		},
	}
}

// Sanitize applies every pattern in order and returns the redacted text.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// SanitizeWithFallback behaves like Sanitize but never lets a panicking
// pattern (e.g. a pathological regex an operator added) take the whole
// delivery down with it: on panic it returns a maximally conservative,
// fully-redacted fallback and a non-nil error so the caller can record the
// degradation instead of losing the notification.
func (s *Sanitizer) SanitizeWithFallback(input string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = "[REDACTED] (sanitization failed, content withheld for safety)"
			err = &FallbackError{Cause: r}
		}
	}()
	return s.Sanitize(input), nil
}

// FallbackError is returned by SanitizeWithFallback when sanitization panics.
type FallbackError struct {
	Cause any
}

func (e *FallbackError) Error() string {
	return "sanitization failed, used safe fallback"
}
