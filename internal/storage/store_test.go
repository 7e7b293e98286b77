package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/twin-collab/internal/types"
)

func TestIsTransient(t *testing.T) {
	if !isTransient(&pgconn.PgError{Code: pgerrcode.SerializationFailure}) || !isTransient(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}) {
		t.Fatalf("serialization failures and deadlocks are transient")
	}
	if isTransient(&pgconn.PgError{Code: pgerrcode.UniqueViolation}) {
		t.Fatalf("unique violations are not transient")
	}
	if isTransient(context.Canceled) {
		t.Fatalf("cancellation is not transient")
	}
	if !isTransient(errRetry) {
		t.Fatalf("retry marker must be transient")
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	s := New(nil, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	calls := 0
	permanent := errors.New("boom")
	err := s.retry(context.Background(), "test", func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call and the permanent error, got %d calls %v", calls, err)
	}

	calls = 0
	err = s.retry(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d calls %v", calls, err)
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TWIN_COLLAB_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TWIN_COLLAB_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresAppendDedupeAndResolve(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	twin := types.TwinID("twin-" + uuid.NewString())
	session := types.SessionID("s-" + uuid.NewString())
	now := time.Now().UTC().Truncate(time.Microsecond)

	op := types.Operation{
		ID: types.OperationID(uuid.NewString()), Twin: twin, Author: "alice", Session: session,
		Kind: types.OpPropertyChange, Path: "root/a", Payload: []byte(`{"property":"x","value":1}`),
		Clock: types.VectorClock{session: 1}, CreatedAt: now,
	}
	stored, dup, err := store.AppendOperation(ctx, op)
	if err != nil || dup || stored.Position != 1 {
		t.Fatalf("append: pos=%d dup=%v err=%v", stored.Position, dup, err)
	}
	again, dup, err := store.AppendOperation(ctx, op)
	if err != nil || !dup || again.Position != 1 {
		t.Fatalf("duplicate append: pos=%d dup=%v err=%v", again.Position, dup, err)
	}
	other := op
	other.ID = types.OperationID(uuid.NewString())
	other.Twin = types.TwinID("twin-" + uuid.NewString())
	if stored, dup, err := store.AppendOperation(ctx, other); err != nil || dup || stored.Position != 1 {
		t.Fatalf("same client seq on another twin: pos=%d dup=%v err=%v", stored.Position, dup, err)
	}

	pending, err := store.Pending(ctx, twin)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d %v", len(pending), err)
	}

	bad := types.Resolution{Operation: op.ID, Status: types.StatusApplied, ApplySeq: 2, At: now}
	if err := store.MarkResolved(ctx, twin, bad, types.VectorClock{session: 1}); !errors.Is(err, types.ErrCorruption) {
		t.Fatalf("expected corruption for apply seq gap, got %v", err)
	}
	res := types.Resolution{Operation: op.ID, Status: types.StatusApplied, ApplySeq: 1, At: now}
	if err := store.MarkResolved(ctx, twin, res, types.VectorClock{session: 1}); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	marks, last, err := store.Watermarks(ctx, twin)
	if err != nil || last != 1 || marks[session] != 1 {
		t.Fatalf("watermarks: %v %d %v", marks, last, err)
	}
	resolved, err := store.Resolved(ctx, twin, 0, 0)
	if err != nil || len(resolved) != 1 || resolved[0].ApplySeq != 1 || resolved[0].Clock[session] != 1 {
		t.Fatalf("resolved: %+v %v", resolved, err)
	}
}

func TestPostgresLeaseLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	twin := types.TwinID("twin-" + uuid.NewString())
	lease := types.Lease{
		ID: types.LeaseID(uuid.NewString()), Twin: twin, Holder: "alice", Session: "s-a",
		Kind: types.LockExclusive, Paths: []types.ComponentPath{"root/a", "root/b"}, TTL: time.Minute,
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute), LastHeartbeatAt: now, Active: true,
	}
	if err := store.InsertLease(ctx, lease); err != nil {
		t.Fatalf("insert: %v", err)
	}
	active, err := store.ActiveLeases(ctx, twin)
	if err != nil || len(active) != 1 || len(active[0].Paths) != 2 || active[0].TTL != time.Minute {
		t.Fatalf("active: %+v %v", active, err)
	}
	if ok, err := store.TouchLease(ctx, lease.ID, now.Add(time.Second), now.Add(2*time.Minute)); err != nil || !ok {
		t.Fatalf("touch: %v %v", ok, err)
	}
	if ok, err := store.DeactivateLease(ctx, lease.ID, now.Add(2*time.Second), "released"); err != nil || !ok {
		t.Fatalf("deactivate: %v %v", ok, err)
	}
	if ok, _ := store.DeactivateLease(ctx, lease.ID, now.Add(3*time.Second), "released"); ok {
		t.Fatalf("second deactivate must be a no-op")
	}
	got, err := store.GetLease(ctx, lease.ID)
	if err != nil || got.Active || got.ReleaseReason != "released" || got.ReleasedAt == nil {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestPostgresVersionChain(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	twin := types.TwinID("twin-" + uuid.NewString())

	first := types.Version{ID: types.VersionID(uuid.NewString()), Properties: map[string]types.PropertyMap{"root": {"name": "pump"}},
		Watermarks: types.VectorClock{}, CreatedBy: "alice", CreatedAt: now}
	created, err := store.CreateTwin(ctx, types.Twin{ID: twin, OrganizationID: "org", CreatedAt: now}, first)
	if err != nil || !created {
		t.Fatalf("create twin: %v %v", created, err)
	}
	if created, _ := store.CreateTwin(ctx, types.Twin{ID: twin, CreatedAt: now}, first); created {
		t.Fatalf("second create must report existing twin")
	}

	v2, err := store.CreateVersion(ctx, twin, func(number, parent int64) (types.Version, error) {
		if number != 2 || parent != 1 {
			t.Fatalf("unexpected numbering %d/%d", number, parent)
		}
		return types.Version{ID: types.VersionID(uuid.NewString()), ObjectPath: "versions/x.json", CreatedBy: "system", CreatedAt: now}, nil
	})
	if err != nil || !v2.Latest || v2.Number != 2 {
		t.Fatalf("create version: %+v %v", v2, err)
	}
	latest, err := store.LatestVersion(ctx, twin)
	if err != nil || latest.Number != 2 || latest.ObjectPath != "versions/x.json" || latest.Properties != nil {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	list, err := store.ListVersions(ctx, twin)
	if err != nil || len(list) != 2 || list[0].Latest || list[0].Properties["root"]["name"] != "pump" {
		t.Fatalf("list: %+v %v", list, err)
	}
	if _, err := store.CreateVersion(ctx, "missing-"+twin, func(int64, int64) (types.Version, error) {
		return types.Version{}, nil
	}); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found for unknown twin, got %v", err)
	}
}
