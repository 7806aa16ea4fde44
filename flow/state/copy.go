package state

import (
	"encoding/json"
	"fmt"
)

// DeepCopy clones a context through a JSON round trip, isolating nested
// map and slice values that Clone would share. Used wherever two owners
// may mutate concurrently: snapshot embedding, export/import, and the
// branch-tagged copies handed to parallel branch handlers.
func DeepCopy(c *Context) (*Context, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("deep copy marshal: %w", err)
	}
	out := &Context{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("deep copy unmarshal: %w", err)
	}
	return out, nil
}

// DeepCopyMap clones a string-keyed map through a JSON round trip.
func DeepCopyMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("deep copy marshal: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("deep copy unmarshal: %w", err)
	}
	return out, nil
}
