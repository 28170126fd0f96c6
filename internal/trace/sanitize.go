package trace

import (
	"regexp"
	"strings"
)

// Redacted replaces every credential-shaped value.
const Redacted = "[REDACTED]"

// sensitiveKeyFragments flag a map key as credential-bearing.
var sensitiveKeyFragments = []string{
	"key", "token", "secret", "password", "passwd", "credential", "authorization",
}

// credentialShapes match credential-looking substrings inside free text:
// vendor-prefixed keys, bearer headers, AWS access key ids, and long
// hex/base64 runs.
var credentialShapes = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`\b(?i:bearer)\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`),
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// SanitizeString redacts credential-shaped substrings in s.
func SanitizeString(s string) string {
	for _, re := range credentialShapes {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}

func sanitizeValue(v any) any {
	switch x := v.(type) {
	case string:
		return SanitizeString(x)
	case map[string]any:
		return sanitizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}
