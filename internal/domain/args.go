package domain

import (
	"encoding/json"
	"fmt"
)

// MergeArguments overlays the top-level keys of overrides onto base. Both
// must be JSON objects; empty input counts as {}.
func MergeArguments(base, overrides json.RawMessage) (json.RawMessage, error) {
	merged, err := ArgumentMap(base)
	if err != nil {
		return nil, Invalid("arguments", "%v", err)
	}
	over, err := ArgumentMap(overrides)
	if err != nil {
		return nil, Invalid("argument_overrides", "%v", err)
	}
	if len(over) == 0 {
		if len(base) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return base, nil
	}
	for k, v := range over {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArgumentMap decodes a JSON object of handler arguments.
func ArgumentMap(raw json.RawMessage) (map[string]json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(raw) == 0 || string(raw) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("must be a JSON object: %w", err)
	}
	return m, nil
}
