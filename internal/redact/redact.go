// Package redact scrubs secret-looking patterns from free text before it is
// broadcast, stored for replay, or appended to the inbox. Redaction never
// blocks a message; callers log the pattern names and count, never the
// matched text.
package redact

import "regexp"

// Replacement is substituted for every match.
const Replacement = "[REDACTED]"

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Patterns are ordered roughly by specificity; all are applied.
var patterns = []pattern{
	{"pem_private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"openai_key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{"hex_secret", regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{64}\b`)},
	{"mnemonic_phrase", regexp.MustCompile(`(?i)\b(?:seed|mnemonic)\s*(?:phrase)?\s*[:=]\s*(?:[a-z]+\s+){11,23}[a-z]+`)},
	{"password_assignment", regexp.MustCompile(`(?i)\b(?:password|passwd|api[_-]?key|secret)\s*[:=]\s*\S+`)},
}

// Scrub replaces secret-looking spans in content and returns the cleaned
// text plus the names of the patterns that fired, in table order, one entry
// per pattern regardless of match count.
func Scrub(content string) (string, []string) {
	var fired []string
	out := content
	for _, p := range patterns {
		if !p.re.MatchString(out) {
			continue
		}
		out = p.re.ReplaceAllString(out, Replacement)
		fired = append(fired, p.name)
	}
	return out, fired
}
