package observability

import (
	"regexp"
	"strings"
)

// Redactor masks key material and credentials in log output.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// PEM private-key blocks, encrypted or not. These can appear in log
	// fields when a "data:" spec is the identity being reported.
	r.AddPattern(
		`-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z0-9 ]*PRIVATE KEY-----`,
		"[REDACTED_PRIVATE_KEY]", "pem_private_key")

	// An unterminated private-key header still marks key bytes.
	r.AddPattern(
		`-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----[\s\S]*`,
		"[REDACTED_PRIVATE_KEY]", "pem_private_key_partial")

	// Vault tokens.
	r.AddPattern(`hvs\.[A-Za-z0-9_-]{20,}`, "[REDACTED_VAULT_TOKEN]", "vault_token")
	r.AddPattern(`hvb\.[A-Za-z0-9_-]{20,}`, "[REDACTED_VAULT_TOKEN]", "vault_batch_token")

	// Authorization headers.
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
}

// AddPattern adds a custom redaction pattern; invalid patterns are
// skipped.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies every pattern to the input.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactMap redacts sensitive values in a map, by key name and by value
// content.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

var sensitiveKeys = []string{"passphrase", "password", "secret", "token", "key"}

func (r *Redactor) redactValue(key string, value any) any {
	lowerKey := strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if strings.Contains(lowerKey, marker) {
			return "[REDACTED]"
		}
	}

	if s, ok := value.(string); ok {
		return r.Redact(s)
	}
	return value
}
