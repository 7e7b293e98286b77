package oplog

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/leasestore"
	"github.com/example/twin-collab/internal/lock"
	"github.com/example/twin-collab/internal/storage/memory"
	"github.com/example/twin-collab/internal/types"
)

type fixture struct {
	log   *Log
	locks *lock.Manager
	store *memory.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.New()
	logger := zerolog.New(io.Discard)
	locks := lock.NewManager(leasestore.NewMemory(clk), store, lock.Config{}, logger, lock.WithClock(clk))
	return fixture{
		log:   New(store, locks, clk, nil, logger),
		locks: locks,
		store: store,
	}
}

func change(session string, seq uint64, path, property string, value string) Submission {
	return Submission{
		Twin:    "twin-1",
		Author:  types.HolderID("user-" + session),
		Session: types.SessionID(session),
		Kind:    types.OpPropertyChange,
		Path:    path,
		Payload: []byte(`{"property":"` + property + `","value":` + value + `}`),
		Clock:   types.VectorClock{types.SessionID(session): seq},
	}
}

func TestAppendWithoutLeaseIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, session := range []string{"A", "B"} {
		_, err := f.log.Append(ctx, change(session, 1, "root/motor", "temp", "80"))
		if !errors.Is(err, types.ErrUnauthorized) {
			t.Fatalf("session %s: expected unauthorized, got %v", session, err)
		}
	}
	ops, err := f.log.ReadSince(ctx, "twin-1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("rejected submissions must not be appended, got %d", len(ops))
	}
}

func TestAppendAssignsPositionsAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, lock.AcquireRequest{
		Twin: "twin-1", Holder: "user-A", Session: "A",
		Paths: []types.ComponentPath{"root/spindle"}, Kind: types.LockExclusive,
	}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	first, err := f.log.Append(ctx, change("A", 1, "root/spindle", "rpm", "45000"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Position != 1 || first.Duplicate {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := f.log.Append(ctx, change("A", 2, "/root/spindle/", "rpm", "46000"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Position != 2 {
		t.Fatalf("expected position 2, got %d", second.Position)
	}

	again, err := f.log.Append(ctx, change("A", 1, "root/spindle", "rpm", "45000"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Duplicate || again.Position != 1 || again.OperationID != first.OperationID {
		t.Fatalf("resubmission should return the original entry, got %+v", again)
	}

	ops, err := f.log.ReadSince(ctx, "twin-1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ops))
	}
	if ops[1].Path != "root/spindle" || ops[0].Status != types.StatusPending {
		t.Fatalf("unexpected entries %+v", ops)
	}

	tail, err := f.log.ReadSince(ctx, "twin-1", 1, 10)
	if err != nil || len(tail) != 1 || tail[0].Position != 2 {
		t.Fatalf("read since 1 should return position 2 only, got %+v %v", tail, err)
	}
}

func TestAppendDeduplicatesPerTwin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, twin := range []types.TwinID{"twin-1", "twin-2"} {
		if _, err := f.locks.Acquire(ctx, lock.AcquireRequest{
			Twin: twin, Holder: "user-A", Session: "A",
			Paths: []types.ComponentPath{"root"}, Kind: types.LockExclusive,
		}); err != nil {
			t.Fatalf("acquire %s: %v", twin, err)
		}
	}

	first, err := f.log.Append(ctx, change("A", 1, "root/motor", "temp", "80"))
	if err != nil {
		t.Fatalf("append twin-1: %v", err)
	}
	sub := change("A", 1, "root/motor", "temp", "81")
	sub.Twin = "twin-2"
	second, err := f.log.Append(ctx, sub)
	if err != nil {
		t.Fatalf("append twin-2: %v", err)
	}
	if second.Duplicate || second.Position != 1 || second.OperationID == first.OperationID {
		t.Fatalf("the same client sequence on another twin is a new entry, got %+v", second)
	}

	ops, err := f.log.ReadSince(ctx, "twin-2", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ops) != 1 || ops[0].Twin != "twin-2" {
		t.Fatalf("expected one entry on twin-2, got %+v", ops)
	}
}

func TestAppendValidatesSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := change("A", 0, "root/spindle", "rpm", "1")
	if _, err := f.log.Append(ctx, bad); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("zero client sequence should be invalid, got %v", err)
	}
	bad = change("A", 1, "root/../etc", "rpm", "1")
	if _, err := f.log.Append(ctx, bad); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("dot segments should be invalid, got %v", err)
	}
	bad = change("A", 1, "root", "rpm", "1")
	bad.Kind = "rename"
	if _, err := f.log.Append(ctx, bad); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("unknown kind should be invalid, got %v", err)
	}
}

func TestSubscribeSignalsOnAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, lock.AcquireRequest{
		Twin: "twin-1", Holder: "user-A", Session: "A",
		Paths: []types.ComponentPath{"root"}, Kind: types.LockShared,
	}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ch, cancel := f.log.Subscribe("twin-1")
	defer cancel()

	if _, err := f.log.Append(ctx, change("A", 1, "root/a", "x", "1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.log.Append(ctx, change("A", 2, "root/a", "x", "2")); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("expected a notification")
	}
	select {
	case <-ch:
		t.Fatalf("notifications should coalesce")
	default:
	}
}
