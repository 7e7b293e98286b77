// Package state holds the materialized component/property tree of each twin
// and the watermarks that produced it.
package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/twin-collab/internal/types"
)

// Snapshot is a detached copy of a document.
type Snapshot struct {
	Components     map[string]types.PropertyMap `json:"components"`
	AppliedThrough int64                        `json:"applied_through"`
	Watermarks     types.VectorClock            `json:"watermarks"`
}

// Document is the materialized state of one twin. It is not safe for
// concurrent use; Engine serializes access.
type Document struct {
	components     map[types.ComponentPath]types.PropertyMap
	appliedThrough int64
	watermarks     types.VectorClock
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		components: make(map[types.ComponentPath]types.PropertyMap),
		watermarks: make(types.VectorClock),
	}
}

// FromSnapshot rebuilds a document from a snapshot.
func FromSnapshot(s Snapshot) (*Document, error) {
	d := NewDocument()
	for raw, props := range s.Components {
		path, err := types.ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("snapshot component %q: %w", raw, err)
		}
		d.components[path] = props.Clone()
	}
	d.appliedThrough = s.AppliedThrough
	d.watermarks = s.Watermarks.Clone()
	return d, nil
}

// Commit records a terminal resolution. Applied operations mutate the tree;
// applied and rejected operations advance their author's watermark; failed
// operations only consume the apply sequence.
func (d *Document) Commit(op types.Operation, status types.OperationStatus, applySeq int64) error {
	if applySeq != d.appliedThrough+1 {
		return fmt.Errorf("%w: apply sequence %d after %d", types.ErrCorruption, applySeq, d.appliedThrough)
	}
	if status == types.StatusApplied {
		if err := d.apply(op); err != nil {
			return err
		}
	}
	if status == types.StatusApplied || status == types.StatusRejected {
		d.watermarks[op.Session] = op.ClientSeq()
	}
	d.appliedThrough = applySeq
	return nil
}

func (d *Document) apply(op types.Operation) error {
	payload, err := types.ParsePayload(op.Kind, op.Payload)
	if err != nil {
		return err
	}
	switch op.Kind {
	case types.OpPropertyChange:
		props := d.ensure(op.Path)
		props[payload.Property] = payload.Value
	case types.OpPropertyDelete:
		if props, ok := d.components[op.Path]; ok {
			delete(props, payload.Property)
		}
	case types.OpComponentAdd:
		props := d.ensure(op.Path)
		for k, v := range payload.Properties {
			props[k] = v
		}
	case types.OpComponentRemove:
		for path := range d.components {
			if op.Path.Covers(path) {
				delete(d.components, path)
			}
		}
	}
	return nil
}

func (d *Document) ensure(path types.ComponentPath) types.PropertyMap {
	props, ok := d.components[path]
	if !ok {
		props = make(types.PropertyMap)
		d.components[path] = props
	}
	return props
}

// AppliedThrough returns the apply sequence of the last committed operation.
func (d *Document) AppliedThrough() int64 { return d.appliedThrough }

// Watermark returns the highest committed client sequence of a session.
func (d *Document) Watermark(session types.SessionID) uint64 { return d.watermarks[session] }

// Watermarks returns a copy of all session watermarks.
func (d *Document) Watermarks() types.VectorClock { return d.watermarks.Clone() }

// Property returns one property value.
func (d *Document) Property(path types.ComponentPath, name string) (any, bool) {
	props, ok := d.components[path]
	if !ok {
		return nil, false
	}
	v, ok := props[name]
	return v, ok
}

// Paths returns the component paths in lexical order.
func (d *Document) Paths() []types.ComponentPath {
	out := make([]types.ComponentPath, 0, len(d.components))
	for p := range d.components {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(string(out[i]), string(out[j])) < 0 })
	return out
}

// Snapshot returns a detached copy.
func (d *Document) Snapshot() Snapshot {
	components := make(map[string]types.PropertyMap, len(d.components))
	for path, props := range d.components {
		components[string(path)] = props.Clone()
	}
	return Snapshot{
		Components:     components,
		AppliedThrough: d.appliedThrough,
		Watermarks:     d.watermarks.Clone(),
	}
}
