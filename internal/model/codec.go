package model

import (
	"encoding/json"
	"fmt"
)

// EncodeEvents marshals an id → Event snapshot into the raw-message mapping
// the store layer persists.
func EncodeEvents(events map[string]Event) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(events))
	for id, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encoding event %q: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

// DecodeEvents is the inverse of [EncodeEvents]. Entries that fail to decode
// are reported as errors rather than silently dropped.
func DecodeEvents(raw map[string]json.RawMessage) (map[string]Event, error) {
	out := make(map[string]Event, len(raw))
	for id, msg := range raw {
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			return nil, fmt.Errorf("decoding event %q: %w", id, err)
		}
		out[id] = ev
	}
	return out, nil
}
