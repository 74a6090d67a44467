package engine

import (
	"regexp"
	"strings"
)

// RedactedValue replaces sensitive values in persisted data.
const RedactedValue = "***REDACTED***"

var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "private_key",
}

// sensitiveAssignment matches key=value, key: value and "key":"value"
// fragments inside free text such as error messages.
var sensitiveAssignment = regexp.MustCompile(
	`(?i)((?:password|secret|token|api_key|apikey|authorization|credential|private_key)[a-z_]*["']?\s*[:=]\s*["']?)(?:bearer\s+)?([^"'\s,;&}]+)`)

// IsSensitiveKey reports whether a map key names a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactMap returns a deep copy of m with sensitive values replaced.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return RedactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case string:
		return RedactString(val)
	default:
		return v
	}
}

// RedactString masks credential assignments embedded in text.
func RedactString(s string) string {
	if s == "" {
		return s
	}
	return sensitiveAssignment.ReplaceAllString(s, "${1}"+RedactedValue)
}
