package document

import "strings"

// Sanitize removes nil values and empty-string fields from a payload map,
// recursing into nested maps and slices. An empty string is not a storable
// value in this model; it signals "omit the field". The force-update marker is
// also stripped. The input map is never mutated.
func Sanitize(fields map[string]any) map[string]any {
	cleaned := make(map[string]any, len(fields))
	for key, value := range fields {
		if key == FieldForceUpdate {
			continue
		}
		sanitized, keep := sanitizeValue(value)
		if keep {
			cleaned[key] = sanitized
		}
	}
	return cleaned
}

func sanitizeValue(value any) (any, bool) {
	switch typed := value.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil, false
		}
		return typed, true
	case map[string]any:
		nested := make(map[string]any, len(typed))
		for key, inner := range typed {
			sanitized, keep := sanitizeValue(inner)
			if keep {
				nested[key] = sanitized
			}
		}
		return nested, true
	case []any:
		items := make([]any, 0, len(typed))
		for _, inner := range typed {
			sanitized, keep := sanitizeValue(inner)
			if keep {
				items = append(items, sanitized)
			}
		}
		return items, true
	default:
		return value, true
	}
}

// HasForceUpdate reports whether the payload carries the force-update marker
// with a truthy value.
func HasForceUpdate(fields map[string]any) bool {
	raw, ok := fields[FieldForceUpdate]
	if !ok {
		return false
	}
	flag, ok := raw.(bool)
	return ok && flag
}
