package pipeline

// ValveSpec is the pipeline-supplied schema for its valves: a mapping from
// valve key to a declaration like {"type": "number", "default": 3}. The spec
// is read-only after load; merge semantics on update belong to the pipeline
// itself, the host only type-checks submitted values against it.
type ValveSpec map[string]any

// CheckValues verifies that every submitted value whose key appears in the
// spec matches the declared type. Keys without a declaration pass through
// untouched. Returns the first violation found.
func (s ValveSpec) CheckValues(identifier string, values Valves) error {
	if len(s) == 0 {
		return nil
	}
	for key, val := range values {
		decl, ok := s[key].(map[string]any)
		if !ok {
			continue
		}
		want, ok := decl["type"].(string)
		if !ok || want == "" {
			continue
		}
		if !typeMatches(want, val) {
			return &InvalidValveError{Identifier: identifier, Key: key, Want: want}
		}
	}
	return nil
}

func typeMatches(want string, val any) bool {
	if val == nil {
		return true
	}
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number", "integer":
		switch val.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		// Unknown declared types are not enforced.
		return true
	}
}
