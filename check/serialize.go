package check

import (
	"encoding/json"
	"fmt"
)

// envelope is the tagged wire form of a Result.
type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes a Result as {"type": ..., "data": {...}}.
func Marshal(r Result) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("check: marshal nil result")
	}
	env := envelope{Type: r.Kind()}
	if _, ok := r.(NoChange); !ok {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("check: marshal %s: %w", r.Kind(), err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Unmarshal decodes the output of Marshal.
func Unmarshal(data []byte) (Result, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("check: unmarshal envelope: %w", err)
	}

	var r Result
	switch env.Type {
	case KindNoChange:
		return NoChange{}, nil
	case KindVideo:
		r = &Video{}
	case KindPage:
		r = &Page{}
	case KindError:
		r = &Error{}
	default:
		return nil, fmt.Errorf("check: unknown result type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, r); err != nil {
			return nil, fmt.Errorf("check: unmarshal %s: %w", env.Type, err)
		}
	}
	return r, nil
}
