package shared

import "encoding/json"

// Conditions is a free-form, string-keyed attribute map persisted as JSONB.
// Values are restricted to the JSON union: string, float64, bool, []any,
// map[string]any.
type Conditions map[string]any

// Clone returns a shallow copy so callers can hand the map to an evaluator
// without exposing the stored value to mutation.
func (c Conditions) Clone() Conditions {
	if c == nil {
		return nil
	}
	out := make(Conditions, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// String returns the value for key rendered as a string, and whether the key
// exists.
func (c Conditions) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringList returns the value for key as a list of strings. Non-string
// elements are skipped.
func (c Conditions) StringList(key string) ([]string, bool) {
	v, ok := c[key]
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// MarshalJSONB renders the map for storage in a JSONB column. A nil map is
// stored as an empty object rather than SQL NULL.
func (c Conditions) MarshalJSONB() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(c))
}

// ConditionsFromJSONB decodes a JSONB column value.
func ConditionsFromJSONB(raw []byte) (Conditions, error) {
	if len(raw) == 0 {
		return Conditions{}, nil
	}
	var out Conditions
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
