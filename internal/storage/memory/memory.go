// Package memory keeps leases, the operation log and versions in process
// memory. It backs tests and single-node runs without Postgres and mirrors
// the transactional guarantees of the Postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/twin-collab/internal/types"
)

type dedupeKey struct {
	twin    types.TwinID
	session types.SessionID
	seq     uint64
}

type twinLog struct {
	ops          []types.Operation
	lastApplySeq int64
	watermarks   types.VectorClock
}

// Store implements the lock, oplog and version repositories.
type Store struct {
	mu sync.RWMutex

	leases map[types.LeaseID]types.Lease

	logs   map[types.TwinID]*twinLog
	dedupe map[dedupeKey]types.OperationID
	opRefs map[types.OperationID]opRef

	twins    map[types.TwinID]types.Twin
	versions map[types.TwinID][]types.Version
}

type opRef struct {
	twin  types.TwinID
	index int
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		leases:   make(map[types.LeaseID]types.Lease),
		logs:     make(map[types.TwinID]*twinLog),
		dedupe:   make(map[dedupeKey]types.OperationID),
		opRefs:   make(map[types.OperationID]opRef),
		twins:    make(map[types.TwinID]types.Twin),
		versions: make(map[types.TwinID][]types.Version),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// InsertLease stores a new lease record.
func (s *Store) InsertLease(ctx context.Context, lease types.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.leases[lease.ID]; exists {
		return fmt.Errorf("%w: lease %s already exists", types.ErrInvalidArgument, lease.ID)
	}
	s.leases[lease.ID] = cloneLease(lease)
	return nil
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, id types.LeaseID) (types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return types.Lease{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lease, ok := s.leases[id]
	if !ok {
		return types.Lease{}, fmt.Errorf("lease %s: %w", id, types.ErrNotFound)
	}
	return cloneLease(lease), nil
}

// ActiveLeases lists leases of twin with the active flag set.
func (s *Store) ActiveLeases(ctx context.Context, twin types.TwinID) ([]types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Lease
	for _, lease := range s.leases {
		if lease.Active && lease.Twin == twin {
			out = append(out, cloneLease(lease))
		}
	}
	sortLeases(out)
	return out, nil
}

// AllActiveLeases lists every lease with the active flag set.
func (s *Store) AllActiveLeases(ctx context.Context) ([]types.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Lease
	for _, lease := range s.leases {
		if lease.Active {
			out = append(out, cloneLease(lease))
		}
	}
	sortLeases(out)
	return out, nil
}

// TouchLease records a heartbeat on an active lease.
func (s *Store) TouchLease(ctx context.Context, id types.LeaseID, heartbeatAt, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok || !lease.Active {
		return false, nil
	}
	lease.LastHeartbeatAt = heartbeatAt
	lease.ExpiresAt = expiresAt
	s.leases[id] = lease
	return true, nil
}

// DeactivateLease clears the active flag once.
func (s *Store) DeactivateLease(ctx context.Context, id types.LeaseID, at time.Time, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok || !lease.Active {
		return false, nil
	}
	lease.Active = false
	released := at
	lease.ReleasedAt = &released
	lease.ReleaseReason = reason
	s.leases[id] = lease
	return true, nil
}

// AppendOperation assigns the next position of the twin's log. A repeated
// (twin, session, client sequence) returns the stored entry and true.
func (s *Store) AppendOperation(ctx context.Context, op types.Operation) (types.Operation, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Operation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey{twin: op.Twin, session: op.Session, seq: op.ClientSeq()}
	if id, ok := s.dedupe[key]; ok {
		ref := s.opRefs[id]
		return cloneOp(s.logs[ref.twin].ops[ref.index]), true, nil
	}
	if _, exists := s.opRefs[op.ID]; exists {
		return types.Operation{}, false, fmt.Errorf("%w: operation id %s reused with a different client sequence", types.ErrInvalidArgument, op.ID)
	}

	log := s.log(op.Twin)
	op.Position = int64(len(log.ops)) + 1
	op.Status = types.StatusPending
	op.ApplySeq = 0
	op.AppliedAt = nil
	op.Reason = ""
	log.ops = append(log.ops, cloneOp(op))
	s.dedupe[key] = op.ID
	s.opRefs[op.ID] = opRef{twin: op.Twin, index: len(log.ops) - 1}
	return cloneOp(op), false, nil
}

// ReadSince returns up to limit entries with position greater than after.
func (s *Store) ReadSince(ctx context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[twin]
	if !ok {
		return nil, nil
	}
	if after < 0 {
		after = 0
	}
	var out []types.Operation
	for i := int(after); i < len(log.ops); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneOp(log.ops[i]))
	}
	return out, nil
}

// Pending returns unresolved entries in position order.
func (s *Store) Pending(ctx context.Context, twin types.TwinID) ([]types.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[twin]
	if !ok {
		return nil, nil
	}
	var out []types.Operation
	for _, op := range log.ops {
		if op.Status == types.StatusPending {
			out = append(out, cloneOp(op))
		}
	}
	return out, nil
}

// Resolved returns terminal entries with apply sequence greater than after in
// apply order.
func (s *Store) Resolved(ctx context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[twin]
	if !ok {
		return nil, nil
	}
	var out []types.Operation
	for _, op := range log.ops {
		if op.Status.Terminal() && op.ApplySeq > after {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApplySeq < out[j].ApplySeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkResolved records a terminal status and the resulting watermarks in one
// step. The apply sequence must be exactly one past the twin's last.
func (s *Store) MarkResolved(ctx context.Context, twin types.TwinID, res types.Resolution, watermarks types.VectorClock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.opRefs[res.Operation]
	if !ok || ref.twin != twin {
		return fmt.Errorf("operation %s: %w", res.Operation, types.ErrNotFound)
	}
	log := s.logs[twin]
	op := log.ops[ref.index]
	if op.Status != types.StatusPending {
		return fmt.Errorf("%w: operation %s already %s", types.ErrCorruption, op.ID, op.Status)
	}
	if res.ApplySeq != log.lastApplySeq+1 {
		return fmt.Errorf("%w: apply sequence %d does not follow %d", types.ErrCorruption, res.ApplySeq, log.lastApplySeq)
	}

	at := res.At
	op.Status = res.Status
	op.ApplySeq = res.ApplySeq
	op.AppliedAt = &at
	op.Reason = res.Reason
	log.ops[ref.index] = op
	log.lastApplySeq = res.ApplySeq
	log.watermarks = watermarks.Clone()
	return nil
}

// Watermarks returns the persisted watermarks and last apply sequence.
func (s *Store) Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[twin]
	if !ok {
		return types.VectorClock{}, 0, nil
	}
	return log.watermarks.Clone(), log.lastApplySeq, nil
}

// TwinsWithPending lists twins that have unresolved entries.
func (s *Store) TwinsWithPending(ctx context.Context) ([]types.TwinID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.TwinID
	for twin, log := range s.logs {
		for _, op := range log.ops {
			if op.Status == types.StatusPending {
				out = append(out, twin)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CreateTwin stores the twin and its first version unless the twin exists.
func (s *Store) CreateTwin(ctx context.Context, twin types.Twin, first types.Version) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.twins[twin.ID]; exists {
		return false, nil
	}
	first.Number = 1
	first.Parent = 0
	first.Latest = true
	twin.CurrentVersion = 1
	s.twins[twin.ID] = twin
	s.versions[twin.ID] = []types.Version{cloneVersion(first)}
	return true, nil
}

// GetTwin returns a registered twin.
func (s *Store) GetTwin(ctx context.Context, id types.TwinID) (types.Twin, error) {
	if err := ctx.Err(); err != nil {
		return types.Twin{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	twin, ok := s.twins[id]
	if !ok {
		return types.Twin{}, fmt.Errorf("twin %s: %w", id, types.ErrNotFound)
	}
	return twin, nil
}

// Twins lists registered twins.
func (s *Store) Twins(ctx context.Context) ([]types.TwinID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TwinID, 0, len(s.twins))
	for id := range s.twins {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CreateVersion numbers the next version, calls build while holding the
// twin, then flips the latest flag in the same step.
func (s *Store) CreateVersion(ctx context.Context, twin types.TwinID, build func(number, parent int64) (types.Version, error)) (types.Version, error) {
	if err := ctx.Err(); err != nil {
		return types.Version{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.twins[twin]
	if !ok {
		return types.Version{}, fmt.Errorf("twin %s: %w", twin, types.ErrNotFound)
	}
	chain := s.versions[twin]
	latest := -1
	for i := range chain {
		if chain[i].Latest {
			latest = i
		}
	}
	if latest < 0 {
		return types.Version{}, fmt.Errorf("%w: twin %s has no latest version", types.ErrCorruption, twin)
	}
	parent := chain[latest].Number
	number := chain[len(chain)-1].Number + 1

	v, err := build(number, parent)
	if err != nil {
		return types.Version{}, err
	}
	v.Twin = twin
	v.Number = number
	v.Parent = parent
	v.Latest = true

	chain[latest].Latest = false
	s.versions[twin] = append(chain, cloneVersion(v))
	record.CurrentVersion = number
	s.twins[twin] = record
	return cloneVersion(v), nil
}

// LatestVersion returns the version flagged latest.
func (s *Store) LatestVersion(ctx context.Context, twin types.TwinID) (types.Version, error) {
	if err := ctx.Err(); err != nil {
		return types.Version{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[twin] {
		if v.Latest {
			return cloneVersion(v), nil
		}
	}
	return types.Version{}, fmt.Errorf("latest version of %s: %w", twin, types.ErrNotFound)
}

// GetVersion returns one version by number.
func (s *Store) GetVersion(ctx context.Context, twin types.TwinID, number int64) (types.Version, error) {
	if err := ctx.Err(); err != nil {
		return types.Version{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[twin] {
		if v.Number == number {
			return cloneVersion(v), nil
		}
	}
	return types.Version{}, fmt.Errorf("version %d of %s: %w", number, twin, types.ErrNotFound)
}

// ListVersions returns all versions of a twin ordered by number.
func (s *Store) ListVersions(ctx context.Context, twin types.TwinID) ([]types.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[twin]
	out := make([]types.Version, len(chain))
	for i, v := range chain {
		out[i] = cloneVersion(v)
	}
	return out, nil
}

func (s *Store) log(twin types.TwinID) *twinLog {
	log, ok := s.logs[twin]
	if !ok {
		log = &twinLog{watermarks: types.VectorClock{}}
		s.logs[twin] = log
	}
	return log
}

func sortLeases(leases []types.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		if leases[i].AcquiredAt.Equal(leases[j].AcquiredAt) {
			return leases[i].ID < leases[j].ID
		}
		return leases[i].AcquiredAt.Before(leases[j].AcquiredAt)
	})
}

func cloneLease(l types.Lease) types.Lease {
	l.Paths = append([]types.ComponentPath(nil), l.Paths...)
	if l.ReleasedAt != nil {
		at := *l.ReleasedAt
		l.ReleasedAt = &at
	}
	return l
}

func cloneOp(op types.Operation) types.Operation {
	op.Clock = op.Clock.Clone()
	op.Payload = append([]byte(nil), op.Payload...)
	if op.AppliedAt != nil {
		at := *op.AppliedAt
		op.AppliedAt = &at
	}
	return op
}

func cloneVersion(v types.Version) types.Version {
	v.Watermarks = v.Watermarks.Clone()
	if v.Properties != nil {
		props := make(map[string]types.PropertyMap, len(v.Properties))
		for path, p := range v.Properties {
			props[path] = p.Clone()
		}
		v.Properties = props
	}
	return v
}
