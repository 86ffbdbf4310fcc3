package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	bearerPattern    = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]+`)
	apiKeyPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
	ephemeralPattern = regexp.MustCompile(`\bek_[A-Za-z0-9_\-]{8,}`)
	secretField      = regexp.MustCompile(`("(?:value|client_secret|secret)"\s*:\s*")[^"]+(")`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecrets masks provider keys, bearer tokens and ephemeral client secrets
// so provider payloads can be logged.
func RedactSecrets(input string) string {
	out := bearerPattern.ReplaceAllString(input, "${1}[REDACTED]")
	out = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	out = ephemeralPattern.ReplaceAllString(out, "[REDACTED_SECRET]")
	out = secretField.ReplaceAllString(out, "${1}[REDACTED]${2}")
	return out
}

// Truncate caps s at n bytes for log fields.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
