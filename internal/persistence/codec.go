package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/stepflow/pkg/api"
)

// EncodeSnapshot serializes a snapshot to JSON.
func EncodeSnapshot(s *api.WorkflowRunState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode snapshot: nil snapshot")
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot. Some writers store the snapshot as a
// JSON string holding the encoded object; that form is unwrapped first.
func DecodeSnapshot(data []byte) (*api.WorkflowRunState, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode snapshot: empty payload")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		data = []byte(inner)
	}
	var s api.WorkflowRunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// EncodePayload serializes an event payload.
func EncodePayload(p map[string]any) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// DecodePayload parses an event payload.
func DecodePayload(data []byte) (map[string]any, error) {
	var p map[string]any
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
