package types

import (
	"encoding/json"
	"fmt"
)

// Payload is the decoded body of an edit operation.
type Payload struct {
	Property   string      `json:"property,omitempty"`
	Value      any         `json:"value,omitempty"`
	Properties PropertyMap `json:"properties,omitempty"`
}

// ParsePayload validates raw against the shape required by kind.
func ParsePayload(kind OperationKind, raw json.RawMessage) (Payload, error) {
	if !kind.Valid() {
		return Payload{}, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidArgument, kind)
	}
	var p Payload
	if len(raw) == 0 {
		if kind == OpPropertyChange || kind == OpPropertyDelete {
			return Payload{}, fmt.Errorf("%w: %s requires a payload", ErrInvalidArgument, kind)
		}
		return p, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: payload must be a JSON object: %v", ErrInvalidArgument, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidArgument, err)
	}

	switch kind {
	case OpPropertyChange:
		if p.Property == "" {
			return Payload{}, fmt.Errorf("%w: property_change requires property", ErrInvalidArgument)
		}
		if _, ok := fields["value"]; !ok {
			return Payload{}, fmt.Errorf("%w: property_change requires value", ErrInvalidArgument)
		}
	case OpPropertyDelete:
		if p.Property == "" {
			return Payload{}, fmt.Errorf("%w: property_delete requires property", ErrInvalidArgument)
		}
	}
	return p, nil
}
