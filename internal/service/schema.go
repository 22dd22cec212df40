package service

// SanitizeSchema returns a deep copy of a JSON Schema map with fields
// removed that restrictive function-calling APIs reject. Gemini's
// functionDeclarations accept only a subset of JSON Schema and return 400
// on keywords like $schema, additionalProperties, or $ref, so tool schemas
// pass through here before translation.
//
// The returned map is always a fresh copy; the original is never mutated.
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	return sanitizeMap(schema)
}

// unsupportedSchemaKeys lists JSON Schema keywords Gemini does not accept.
var unsupportedSchemaKeys = map[string]struct{}{
	"$schema":              {},
	"additionalProperties": {},
	"$ref":                 {},
	"ref":                  {},
	"$defs":                {},
	"definitions":          {},
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, drop := unsupportedSchemaKeys[k]; drop {
			continue
		}
		out[k] = sanitizeValue(v)
	}

	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = sanitizeValue(item)
		}

		return cp
	default:
		// Primitives (string, float64, bool, nil) are immutable.
		return v
	}
}
