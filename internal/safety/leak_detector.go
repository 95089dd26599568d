// Package safety scrubs secrets out of free-text fields before they are
// persisted or logged. Transition reasons and approval justifications are
// operator-typed and occasionally carry pasted credentials.
package safety

import (
	"fmt"
	"regexp"
)

// LeakWarning describes a detected secret in a free-text field.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match for logging (redacted)
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks text for leaked secrets without modifying it.
func Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // limit to 3 matches per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}

// Redact replaces detected secrets with a placeholder naming the pattern.
// Returns the scrubbed text and the warnings for each match.
func Redact(text string) (string, []LeakWarning) {
	warnings := Scan(text)
	if len(warnings) == 0 {
		return text, nil
	}
	for _, pat := range leakPatterns {
		text = pat.re.ReplaceAllString(text, fmt.Sprintf("[REDACTED:%s]", pat.desc))
	}
	return text, warnings
}
