// Package masking redacts credential-like values before they reach the
// audit log.
package masking

import "strings"

const (
	maskToken  = "****"
	keepSuffix = 4
)

var sensitiveKeyFragments = []string{"token", "secret", "password", "credential"}

// MaskSecret hides value except for a "kind_" prefix, if present, and its
// last four characters. Values of four characters or fewer are fully hidden.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	var prefix string
	if i := strings.LastIndexByte(value, '_'); i >= 0 && i < len(value)-1 {
		prefix, value = value[:i+1], value[i+1:]
	}
	if len(value) <= keepSuffix {
		return prefix + maskToken
	}
	return prefix + maskToken + value[len(value)-keepSuffix:]
}

// MaskSensitive copies input, masking strings stored under credential-like
// keys at any depth. Blank keys are dropped.
func MaskSensitive(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = mask(value, sensitiveKey(key))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mask(value any, sensitive bool) any {
	switch v := value.(type) {
	case string:
		if !sensitive {
			return v
		}
		return MaskSecret(v)
	case map[string]any:
		return MaskSensitive(v)
	case []any:
		items := make([]any, len(v))
		for i := range v {
			items[i] = mask(v[i], sensitive)
		}
		return items
	default:
		return value
	}
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}
