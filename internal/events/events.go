// Package events defines the broadcastable notifications the coordination
// core emits for presence and cursor-style consumers.
package events

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/twin-collab/internal/types"
)

// Type enumerates event kinds.
type Type string

const (
	LeaseChanged      Type = "lease_changed"
	OperationApplied  Type = "operation_applied"
	OperationRejected Type = "operation_rejected"
	VersionCreated    Type = "version_created"
	PresenceChanged   Type = "presence_changed"
)

// Event is a small, transport-neutral notification.
type Event struct {
	Type      Type                  `json:"type"`
	Twin      types.TwinID          `json:"twin_id"`
	Session   types.SessionID       `json:"session_id,omitempty"`
	Holder    types.HolderID        `json:"holder_id,omitempty"`
	Lease     types.LeaseID         `json:"lease_id,omitempty"`
	LockKind  types.LockKind        `json:"lock_kind,omitempty"`
	Active    bool                  `json:"active,omitempty"`
	Operation types.OperationID     `json:"operation_id,omitempty"`
	Position  int64                 `json:"position,omitempty"`
	Path      types.ComponentPath   `json:"path,omitempty"`
	Status    types.OperationStatus `json:"status,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Version   int64                 `json:"version,omitempty"`
	At        time.Time             `json:"at"`
}

// Publisher delivers events. Implementations must not block the
// coordination path for long; failures are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts an ordinary function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// Multi fans an event out to several publishers in order.
func Multi(publishers ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, evt Event) {
		for _, p := range publishers {
			if p != nil {
				p.Publish(ctx, evt)
			}
		}
	})
}

func toStruct(evt Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"type":    string(evt.Type),
		"twin_id": string(evt.Twin),
		"at":      evt.At.UTC().Format(time.RFC3339Nano),
	}
	putString(fields, "session_id", string(evt.Session))
	putString(fields, "holder_id", string(evt.Holder))
	putString(fields, "lease_id", string(evt.Lease))
	putString(fields, "lock_kind", string(evt.LockKind))
	putString(fields, "operation_id", string(evt.Operation))
	putString(fields, "path", string(evt.Path))
	putString(fields, "status", string(evt.Status))
	putString(fields, "reason", evt.Reason)
	if evt.Active {
		fields["active"] = true
	}
	if evt.Position != 0 {
		fields["position"] = float64(evt.Position)
	}
	if evt.Version != 0 {
		fields["version"] = float64(evt.Version)
	}

	return structpb.NewStruct(fields)
}

// Encode serializes an event for the cross-instance bus.
func Encode(evt Event) ([]byte, error) {
	st, err := toStruct(evt)
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	return proto.Marshal(st)
}

// EncodeJSON renders an event as the JSON text frames sent to websocket
// clients.
func EncodeJSON(evt Event) ([]byte, error) {
	st, err := toStruct(evt)
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	return protojson.Marshal(st)
}

// Decode parses an event produced by Encode.
func Decode(data []byte) (Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	m := st.AsMap()
	evt := Event{
		Type:      Type(str(m, "type")),
		Twin:      types.TwinID(str(m, "twin_id")),
		Session:   types.SessionID(str(m, "session_id")),
		Holder:    types.HolderID(str(m, "holder_id")),
		Lease:     types.LeaseID(str(m, "lease_id")),
		LockKind:  types.LockKind(str(m, "lock_kind")),
		Operation: types.OperationID(str(m, "operation_id")),
		Path:      types.ComponentPath(str(m, "path")),
		Status:    types.OperationStatus(str(m, "status")),
		Reason:    str(m, "reason"),
	}
	if v, ok := m["active"].(bool); ok {
		evt.Active = v
	}
	if v, ok := m["position"].(float64); ok {
		evt.Position = int64(v)
	}
	if v, ok := m["version"].(float64); ok {
		evt.Version = int64(v)
	}
	if at := str(m, "at"); at != "" {
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Event{}, fmt.Errorf("decode event time: %w", err)
		}
		evt.At = ts
	}
	if evt.Type == "" || evt.Twin == "" {
		return Event{}, fmt.Errorf("decode event: missing type or twin")
	}
	return evt, nil
}

func putString(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
