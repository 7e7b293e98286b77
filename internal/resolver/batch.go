package resolver

import (
	"fmt"
	"time"

	"github.com/example/twin-collab/internal/types"
)

type propertyKey struct {
	path     types.ComponentPath
	property string
}

// batch is the working set of one Step: unresolved operations in log order
// plus the watermarks reached so far.
type batch struct {
	pending    []types.Operation
	watermarks types.VectorClock
	applySeq   int64
	writers    map[propertyKey]types.OperationID
}

// nextReady returns the lowest-positioned ready operation, or -1. A pending
// operation at or below its author's watermark means the log and the
// watermarks disagree.
func (b *batch) nextReady() (int, error) {
	for i, op := range b.pending {
		own := op.ClientSeq()
		if wm := b.watermarks[op.Session]; own <= wm {
			return -1, fmt.Errorf("%w: pending operation %s carries clock %d for %s at or below watermark %d",
				types.ErrCorruption, op.ID, own, op.Session, wm)
		}
		if b.ready(i) {
			return i, nil
		}
	}
	return -1, nil
}

// ready: the author's entry is exactly one past its watermark, and every
// earlier unresolved entry on an overlapping path waits on this one (same
// session, or its clock has seen this entry). Any other earlier writer must
// resolve first so the later position wins; cycles are broken by starvation.
func (b *batch) ready(i int) bool {
	op := b.pending[i]
	own := op.ClientSeq()
	if own != b.watermarks[op.Session]+1 {
		return false
	}
	for _, earlier := range b.pending[:i] {
		if !earlier.Path.Overlaps(op.Path) {
			continue
		}
		if earlier.Session == op.Session || earlier.Clock[op.Session] >= own {
			continue
		}
		return false
	}
	return true
}

func (b *batch) nextStarved(now time.Time, timeout time.Duration) int {
	for i, op := range b.pending {
		if now.Sub(op.CreatedAt) >= timeout {
			return i
		}
	}
	return -1
}

func (b *batch) remove(i int) {
	b.pending = append(b.pending[:i], b.pending[i+1:]...)
}

// supersedes records the properties op wrote and reports whether an earlier
// operation of this batch wrote one of them.
func (b *batch) supersedes(op types.Operation) bool {
	payload, err := types.ParsePayload(op.Kind, op.Payload)
	if err != nil {
		return false
	}
	var keys []propertyKey
	switch op.Kind {
	case types.OpPropertyChange, types.OpPropertyDelete:
		keys = append(keys, propertyKey{path: op.Path, property: payload.Property})
	case types.OpComponentAdd:
		for name := range payload.Properties {
			keys = append(keys, propertyKey{path: op.Path, property: name})
		}
	}
	superseded := false
	for _, key := range keys {
		if _, seen := b.writers[key]; seen {
			superseded = true
		}
		b.writers[key] = op.ID
	}
	return superseded
}
