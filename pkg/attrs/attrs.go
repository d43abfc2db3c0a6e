// Package attrs reads slog-style key/value slices ([key1, value1, key2, value2, ...]).
package attrs

// ExtractString returns the string stored under key, or "" when the key is
// missing or its value is not a string.
func ExtractString(attrs []any, key string) string {
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok && k == key {
			v, _ := attrs[i+1].(string)
			return v
		}
	}
	return ""
}

// ToMap collects the pairs into a map, skipping non-string keys and any key
// listed in omit. A trailing key without a value is dropped.
func ToMap(attrs []any, omit ...string) map[string]any {
	out := make(map[string]any, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || contains(omit, key) {
			continue
		}
		out[key] = attrs[i+1]
	}
	return out
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
