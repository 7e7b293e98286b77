package version

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/blob"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/storage/memory"
	"github.com/example/twin-collab/internal/types"
)

const twin types.TwinID = "twin-1"

type fixture struct {
	store  *memory.Store
	engine *state.Engine
	blobs  *blob.Memory
	mgr    *Manager
}

func newFixture(t *testing.T, withBlobs bool) fixture {
	t.Helper()
	store := memory.New()
	logger := zerolog.New(io.Discard)
	engine := state.NewEngine(logger)
	f := fixture{store: store, engine: engine, blobs: blob.NewMemory()}
	opts := []Option{WithClock(clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)))}
	if withBlobs {
		opts = append(opts, WithBlobStore(f.blobs))
	}
	f.mgr = NewManager(store, store, engine, logger, opts...)
	return f
}

func (f fixture) register(t *testing.T) {
	t.Helper()
	_, created, err := f.mgr.Register(context.Background(), RegisterRequest{
		Twin:         twin,
		Organization: "org-1",
		Author:       "alice",
		Properties:   map[string]types.PropertyMap{"root/spindle": {"rpm": 1000.0}},
	})
	if err != nil || !created {
		t.Fatalf("register: %v created=%v", err, created)
	}
}

// resolve appends and resolves one property change straight through the
// store and the engine.
func (f fixture) resolve(t *testing.T, session string, seq uint64, applySeq int64, value float64) {
	t.Helper()
	ctx := context.Background()
	op, _, err := f.store.AppendOperation(ctx, types.Operation{
		ID:      types.OperationID(session + "-" + string(rune('0'+seq))),
		Twin:    twin,
		Session: types.SessionID(session),
		Kind:    types.OpPropertyChange,
		Path:    "root/spindle",
		Payload: []byte(`{"property":"rpm","value":` + formatFloat(value) + `}`),
		Clock:   types.VectorClock{types.SessionID(session): seq},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	wm := f.engine.Watermarks(twin)
	wm[op.Session] = seq
	res := types.Resolution{Operation: op.ID, Position: op.Position, Status: types.StatusApplied, ApplySeq: applySeq, At: time.Now()}
	if err := f.store.MarkResolved(ctx, twin, res, wm); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	if err := f.engine.Commit(twin, op, types.StatusApplied, applySeq); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func TestSnapshotThenHistoryRoundTrip(t *testing.T) {
	for _, withBlobs := range []bool{false, true} {
		f := newFixture(t, withBlobs)
		ctx := context.Background()
		f.register(t)
		if err := f.engine.Restore(twin, state.Snapshot{Components: map[string]types.PropertyMap{"root/spindle": {"rpm": 1000.0}}}); err != nil {
			t.Fatalf("restore: %v", err)
		}
		f.resolve(t, "A", 1, 1, 45000)

		v2, err := f.mgr.Snapshot(ctx, twin, "alice", "tuned spindle")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if v2.Number != 2 || v2.Parent != 1 || !v2.Latest || v2.AppliedThrough != 1 {
			t.Fatalf("unexpected version %+v", v2)
		}

		history, err := f.mgr.History(ctx, twin)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 || history[0].Number != 1 || history[1].Number != 2 {
			t.Fatalf("unexpected history %+v", history)
		}
		if history[0].Latest || !history[1].Latest || history[1].Parent != history[0].Number {
			t.Fatalf("latest flag not flipped: %+v", history)
		}

		latest, err := f.mgr.Latest(ctx, twin)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if got := latest.Properties["root/spindle"]["rpm"]; got != 45000.0 {
			t.Fatalf("latest properties not captured, rpm=%v", got)
		}
		if withBlobs && (latest.ObjectPath == "" || f.blobs.Len() != 2) {
			t.Fatalf("expected properties offloaded to object storage, path=%q objects=%d", latest.ObjectPath, f.blobs.Len())
		}
		if latest.Watermarks["A"] != 1 {
			t.Fatalf("watermarks not captured: %v", latest.Watermarks)
		}
	}
}

func TestSnapshotReplaysWhenStateNotLoaded(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.register(t)
	f.resolve(t, "A", 1, 1, 2000)
	f.resolve(t, "A", 2, 2, 3000)
	f.engine.Drop(twin)

	v, err := f.mgr.Snapshot(ctx, twin, "bob", "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if v.AppliedThrough != 2 || v.Properties["root/spindle"]["rpm"] != 3000.0 {
		t.Fatalf("snapshot should replay the log, got %+v", v)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.register(t)

	existing, created, err := f.mgr.Register(context.Background(), RegisterRequest{Twin: twin, Author: "bob"})
	if err != nil || created {
		t.Fatalf("second register should be a no-op: %v created=%v", err, created)
	}
	if existing.OrganizationID != "org-1" || existing.CurrentVersion != 1 {
		t.Fatalf("unexpected twin %+v", existing)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("second register must not write objects, got %d", f.blobs.Len())
	}
}

func TestSnapshotUnknownTwin(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.mgr.Snapshot(context.Background(), "missing", "alice", ""); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.mgr.History(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkerSnapshotsPastThreshold(t *testing.T) {
	f := newFixture(t, false)
	f.register(t)
	w := NewWorker(f.mgr, time.Hour, 2, zerolog.New(io.Discard))

	f.resolve(t, "A", 1, 1, 1)
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("below threshold should not snapshot, created %d", n)
	}
	f.resolve(t, "A", 2, 2, 2)
	if n := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected one snapshot, created %d", n)
	}
	latest, err := f.mgr.Latest(context.Background(), twin)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.CreatedBy != SystemAuthor || latest.Number != 2 {
		t.Fatalf("unexpected automatic version %+v", latest)
	}
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("no progress since last version, created %d", n)
	}
}
