package state

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/twin-collab/internal/types"
)

func op(session string, seq uint64, kind types.OperationKind, path string, payload string) types.Operation {
	return types.Operation{
		ID:      types.OperationID(session + "-" + string(rune('0'+seq))),
		Session: types.SessionID(session),
		Kind:    kind,
		Path:    types.ComponentPath(path),
		Payload: json.RawMessage(payload),
		Clock:   types.VectorClock{types.SessionID(session): seq},
	}
}

func TestCommitAppliesKindsAndAdvancesWatermarks(t *testing.T) {
	doc := NewDocument()

	steps := []struct {
		op     types.Operation
		status types.OperationStatus
	}{
		{op("A", 1, types.OpComponentAdd, "root/spindle", `{"properties":{"rpm":1000,"vendor":"acme"}}`), types.StatusApplied},
		{op("A", 2, types.OpPropertyChange, "root/spindle", `{"property":"rpm","value":45000}`), types.StatusApplied},
		{op("B", 1, types.OpPropertyChange, "root/spindle", `{"property":"rpm","value":1}`), types.StatusRejected},
		{op("A", 3, types.OpPropertyDelete, "root/spindle", `{"property":"vendor"}`), types.StatusApplied},
		{op("C", 1, types.OpComponentAdd, "root/spindle/bearing", `{}`), types.StatusApplied},
	}
	for i, step := range steps {
		if err := doc.Commit(step.op, step.status, int64(i+1)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if v, _ := doc.Property("root/spindle", "rpm"); v != float64(45000) {
		t.Fatalf("rejected change must not apply, rpm=%v", v)
	}
	if _, ok := doc.Property("root/spindle", "vendor"); ok {
		t.Fatalf("vendor should be deleted")
	}
	if doc.Watermark("A") != 3 || doc.Watermark("B") != 1 || doc.Watermark("C") != 1 {
		t.Fatalf("unexpected watermarks %v", doc.Watermarks())
	}
	if doc.AppliedThrough() != 5 {
		t.Fatalf("expected applied through 5, got %d", doc.AppliedThrough())
	}

	if err := doc.Commit(op("A", 4, types.OpComponentRemove, "root/spindle", ``), types.StatusApplied, 6); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(doc.Paths()) != 0 {
		t.Fatalf("remove should drop descendants, left %v", doc.Paths())
	}
}

func TestCommitRejectsApplySequenceGap(t *testing.T) {
	doc := NewDocument()
	err := doc.Commit(op("A", 1, types.OpComponentAdd, "root", `{}`), types.StatusApplied, 2)
	if !errors.Is(err, types.ErrCorruption) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestFailedCommitKeepsWatermark(t *testing.T) {
	doc := NewDocument()
	if err := doc.Commit(op("A", 2, types.OpComponentAdd, "root", `{}`), types.StatusFailed, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if doc.Watermark("A") != 0 || len(doc.Paths()) != 0 {
		t.Fatalf("failed operation must not change state or watermark")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := NewDocument()
	if err := doc.Commit(op("A", 1, types.OpPropertyChange, "root/motor", `{"property":"temp","value":71.5}`), types.StatusApplied, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap := doc.Snapshot()
	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v, _ := restored.Property("root/motor", "temp"); v != 71.5 {
		t.Fatalf("unexpected restored value %v", v)
	}
	if restored.AppliedThrough() != 1 || restored.Watermark("A") != 1 {
		t.Fatalf("restored document lost progress")
	}

	snap.Components["root/motor"]["temp"] = 0.0
	if v, _ := restored.Property("root/motor", "temp"); v != 71.5 {
		t.Fatalf("snapshot should be detached")
	}
}
