package document

import "encoding/json"

// DefaultVolatileFields are metadata fields excluded from payload comparison:
// they change on every write without representing caller-visible content.
// Callers may extend the set with their own timestamp field names.
var DefaultVolatileFields = []string{
	FieldUpdatedAt,
	FieldUserID,
	FieldTenantID,
	FieldDeletedAt,
	FieldForceUpdate,
}

// Equal reports whether two payload maps carry the same content once volatile
// metadata is stripped. Comparison is structural and key-order independent:
// both maps are serialized to canonical JSON (encoding/json sorts map keys)
// and compared byte for byte. A failed serialization counts as "different" so
// a write is never skipped on uncertain input.
func Equal(newFields, existingFields map[string]any, extraVolatile ...string) bool {
	if existingFields == nil {
		return false
	}
	if HasForceUpdate(newFields) {
		return false
	}

	volatile := make(map[string]struct{}, len(DefaultVolatileFields)+len(extraVolatile))
	for _, field := range DefaultVolatileFields {
		volatile[field] = struct{}{}
	}
	for _, field := range extraVolatile {
		volatile[field] = struct{}{}
	}

	left, leftErr := canonicalJSON(newFields, volatile)
	right, rightErr := canonicalJSON(existingFields, volatile)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return string(left) == string(right)
}

func canonicalJSON(fields map[string]any, volatile map[string]struct{}) ([]byte, error) {
	stripped := make(map[string]any, len(fields))
	for key, value := range fields {
		if _, skip := volatile[key]; skip {
			continue
		}
		stripped[key] = value
	}
	return json.Marshal(stripped)
}
