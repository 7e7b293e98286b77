package playback

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/types"
)

type fakeLog struct {
	ops       []types.Operation
	delivered int
}

func (f *fakeLog) Resolved(_ context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error) {
	var out []types.Operation
	for _, op := range f.ops {
		if op.Twin != twin || op.ApplySeq <= after {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, op)
	}
	f.delivered += len(out)
	return out, nil
}

func (f *fakeLog) Watermarks(_ context.Context, twin types.TwinID) (types.VectorClock, int64, error) {
	wm := types.VectorClock{}
	var last int64
	for _, op := range f.ops {
		if op.Twin == twin {
			wm[op.Session] = op.ClientSeq()
			last = op.ApplySeq
		}
	}
	return wm, last, nil
}

type fakeVersions struct {
	versions []types.Version
}

func (f *fakeVersions) History(_ context.Context, twin types.TwinID) ([]types.Version, error) {
	var out []types.Version
	for _, v := range f.versions {
		if v.Twin == twin {
			meta := v
			meta.Properties = nil
			out = append(out, meta)
		}
	}
	if len(out) == 0 {
		return nil, types.ErrNotFound
	}
	return out, nil
}

func (f *fakeVersions) Get(_ context.Context, twin types.TwinID, number int64) (types.Version, error) {
	for _, v := range f.versions {
		if v.Twin == twin && v.Number == number {
			return v, nil
		}
	}
	return types.Version{}, types.ErrNotFound
}

func TestStateAtDeterministicForOverlappingTimes(t *testing.T) {
	twin := types.TwinID("twin-1")
	base := time.Now().UTC()

	log := &fakeLog{ops: []types.Operation{
		resolvedOp(twin, 1, "A", 1, types.OpPropertyChange, "root/motor", `{"property":"temp","value":60}`, base),
		resolvedOp(twin, 2, "B", 1, types.OpPropertyChange, "root/motor", `{"property":"temp","value":75}`, base.Add(time.Minute)),
		resolvedOp(twin, 3, "A", 2, types.OpComponentRemove, "root/motor", ``, base.Add(2*time.Minute)),
	}}
	svc := NewService(log, &fakeVersions{}, zeroLogger(), ServiceConfig{CacheSize: 4})

	early := base.Add(90 * time.Second)  // after B's change but before the removal
	later := base.Add(150 * time.Second) // after the removal

	resp1, err := svc.StateAt(context.Background(), Request{Twin: twin, AtTime: &early})
	if err != nil {
		t.Fatalf("state at early: %v", err)
	}
	resp2, err := svc.StateAt(context.Background(), Request{Twin: twin, AtTime: &later})
	if err != nil {
		t.Fatalf("state at later: %v", err)
	}

	if got := resp1.Components["root/motor"]["temp"]; got != float64(75) || resp1.AppliedThrough != 2 {
		t.Fatalf("expected temp 75 through 2, got %v through %d", got, resp1.AppliedThrough)
	}
	if _, ok := resp2.Components["root/motor"]; ok || resp2.AppliedThrough != 3 {
		t.Fatalf("expected motor removed through 3, got %+v", resp2)
	}

	again, err := svc.StateAt(context.Background(), Request{Twin: twin, AtTime: &early})
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if again.Components["root/motor"]["temp"] != float64(75) {
		t.Fatalf("repeated request differs: %+v", again)
	}
}

func TestStateAtUsesVersionsAndCache(t *testing.T) {
	twin := types.TwinID("twin-2")
	base := time.Now().UTC()

	versions := &fakeVersions{versions: []types.Version{
		{Twin: twin, Number: 1, CreatedAt: base, Properties: map[string]types.PropertyMap{}, Watermarks: types.VectorClock{}},
		{
			Twin: twin, Number: 2, Parent: 1, CreatedAt: base.Add(time.Minute), AppliedThrough: 2,
			Properties: map[string]types.PropertyMap{"root/spindle": {"rpm": 2000.0}},
			Watermarks: types.VectorClock{"A": 1, "B": 1},
		},
	}}
	log := &fakeLog{ops: []types.Operation{
		resolvedOp(twin, 1, "A", 1, types.OpPropertyChange, "root/spindle", `{"property":"rpm","value":1000}`, base),
		resolvedOp(twin, 2, "B", 1, types.OpPropertyChange, "root/spindle", `{"property":"rpm","value":2000}`, base),
		resolvedOp(twin, 3, "A", 2, types.OpPropertyChange, "root/spindle", `{"property":"rpm","value":3000}`, base.Add(2*time.Minute)),
	}}
	svc := NewService(log, versions, zeroLogger(), ServiceConfig{CacheSize: 2})

	resp, err := svc.StateAt(context.Background(), Request{Twin: twin, ApplySeq: 3})
	if err != nil {
		t.Fatalf("state at 3: %v", err)
	}
	if resp.BaseVersion != 2 || resp.Components["root/spindle"]["rpm"] != 3000.0 {
		t.Fatalf("expected replay on top of version 2, got %+v", resp)
	}
	if log.delivered != 1 {
		t.Fatalf("expected only the entry after version 2 to be read, got %d", log.delivered)
	}

	// The same target is served from the cache without reading entries again.
	latest, err := svc.StateAt(context.Background(), Request{Twin: twin})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.AppliedThrough != 3 || log.delivered != 1 {
		t.Fatalf("expected cached state, applied %d delivered %d", latest.AppliedThrough, log.delivered)
	}

	old, err := svc.StateAt(context.Background(), Request{Twin: twin, ApplySeq: 1})
	if err != nil {
		t.Fatalf("state at 1: %v", err)
	}
	if old.BaseVersion != 1 || old.Components["root/spindle"]["rpm"] != 1000.0 {
		t.Fatalf("expected rebuild from version 1, got %+v", old)
	}
}

func resolvedOp(twin types.TwinID, applySeq int64, session string, seq uint64, kind types.OperationKind, path, payload string, at time.Time) types.Operation {
	appliedAt := at
	return types.Operation{
		Position:  applySeq,
		ID:        types.OperationID(fmt.Sprintf("%s-%d", session, seq)),
		Twin:      twin,
		Session:   types.SessionID(session),
		Kind:      kind,
		Path:      types.ComponentPath(path),
		Payload:   []byte(payload),
		Clock:     types.VectorClock{types.SessionID(session): seq},
		CreatedAt: at,
		Status:    types.StatusApplied,
		ApplySeq:  applySeq,
		AppliedAt: &appliedAt,
	}
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
