// Package lock grants component-scoped leases on twins and recovers leases
// abandoned by crashed or disconnected clients.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/twin-collab/internal/audit"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/leasestore"
	"github.com/example/twin-collab/internal/types"
)

const (
	reasonReleased  = "released"
	reasonExpired   = "expired"
	reasonStale     = "heartbeat timeout"
	reasonStoreLost = "lease store entry lost"
	reasonGuardLost = "acquire guard lost"
)

// Repository persists lease audit records. Leases are never physically
// deleted.
type Repository interface {
	InsertLease(ctx context.Context, lease types.Lease) error
	GetLease(ctx context.Context, id types.LeaseID) (types.Lease, error)
	// ActiveLeases returns leases with the active flag set for a twin,
	// including ones whose expiry has passed but were not yet reclaimed.
	ActiveLeases(ctx context.Context, twin types.TwinID) ([]types.Lease, error)
	AllActiveLeases(ctx context.Context) ([]types.Lease, error)
	// TouchLease records a heartbeat only if the lease is still active.
	TouchLease(ctx context.Context, id types.LeaseID, heartbeatAt, expiresAt time.Time) (bool, error)
	// DeactivateLease flips the active flag and reports whether it changed.
	DeactivateLease(ctx context.Context, id types.LeaseID, at time.Time, reason string) (bool, error)
}

// Config tunes lease lifetimes and acquire arbitration.
type Config struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	Staleness     time.Duration
	GuardTTL      time.Duration
	GuardAttempts int
	GuardBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 15 * time.Minute
	}
	if c.Staleness <= 0 {
		c.Staleness = 30 * time.Second
	}
	if c.GuardTTL <= 0 {
		c.GuardTTL = 2 * time.Second
	}
	if c.GuardAttempts <= 0 {
		c.GuardAttempts = 4
	}
	if c.GuardBackoff <= 0 {
		c.GuardBackoff = 10 * time.Millisecond
	}
	return c
}

// AcquireRequest describes a lease request from a session.
type AcquireRequest struct {
	Twin    types.TwinID
	Holder  types.HolderID
	Session types.SessionID
	Paths   []types.ComponentPath
	Kind    types.LockKind
	TTL     time.Duration
}

// Manager acquires, renews and releases leases. The Lease Store is the only
// arbiter between racing acquires; the repository keeps the audit trail and
// the "active leases by twin" index.
type Manager struct {
	store  leasestore.Store
	repo   Repository
	clock  clock.Clock
	events events.Publisher
	audit  audit.Recorder
	logger zerolog.Logger
	cfg    Config
	newID  func() string
}

// Option configures optional collaborators.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithAudit sets the audit recorder.
func WithAudit(r audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

// WithIDGenerator overrides lease id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager constructs a lock manager.
func NewManager(store leasestore.Store, repo Repository, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		repo:   repo,
		clock:  clock.Real{},
		events: events.Discard,
		audit:  audit.Discard,
		logger: logger,
		cfg:    cfg.withDefaults(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Staleness returns the heartbeat staleness window.
func (m *Manager) Staleness() time.Duration { return m.cfg.Staleness }

// Acquire grants a lease on req.Paths or returns a *types.ConflictError
// naming the blocking holder. There is no partial grant.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (types.Lease, error) {
	ctx, span := tracer.Start(ctx, "lock.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("twin", string(req.Twin)), attribute.String("kind", string(req.Kind)))
	start := time.Now()

	lease, err := m.acquire(ctx, req)
	acquireLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		acquireResults.WithLabelValues("granted").Inc()
	case errors.Is(err, types.ErrConflict):
		acquireResults.WithLabelValues("conflict").Inc()
	case errors.Is(err, types.ErrStoreUnavailable):
		acquireResults.WithLabelValues("unavailable").Inc()
		span.SetStatus(codes.Error, err.Error())
	default:
		acquireResults.WithLabelValues("error").Inc()
	}
	if err != nil && !errors.Is(err, types.ErrInvalidArgument) && ctx.Err() == nil {
		m.audit.Record(audit.Record{
			Actor:  string(req.Holder),
			Action: audit.LockDenied,
			Target: string(req.Twin),
			Detail: err.Error(),
			Fields: map[string]string{"session": string(req.Session), "paths": joinPaths(req.Paths), "kind": string(req.Kind)},
		})
	}
	return lease, err
}

func (m *Manager) acquire(ctx context.Context, req AcquireRequest) (types.Lease, error) {
	if req.Twin == "" || req.Session == "" || req.Holder == "" {
		return types.Lease{}, fmt.Errorf("%w: twin, holder and session are required", types.ErrInvalidArgument)
	}
	if !req.Kind.Valid() {
		return types.Lease{}, fmt.Errorf("%w: unknown lock kind %q", types.ErrInvalidArgument, req.Kind)
	}
	raw := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		raw[i] = string(p)
	}
	paths, err := types.ParsePaths(raw)
	if err != nil {
		return types.Lease{}, err
	}
	req.Paths = paths
	ttl := m.clampTTL(req.TTL)
	leaseID := types.LeaseID(m.newID())

	g, err := m.takeGuard(ctx, req, leaseID)
	if err != nil {
		return types.Lease{}, err
	}
	defer g.release()

	now := m.clock.Now()
	if conflict, err := m.findConflict(ctx, req, now); err != nil {
		return types.Lease{}, err
	} else if conflict != nil {
		return types.Lease{}, conflict
	}

	// Cancellation before the lease-key write leaves no trace.
	if err := ctx.Err(); err != nil {
		return types.Lease{}, err
	}
	if err := g.confirm(ctx); err != nil {
		return types.Lease{}, err
	}

	ok, err := m.store.TryPut(ctx, leaseKey(req.Twin, leaseID), string(leaseID), ttl)
	if err != nil {
		return types.Lease{}, storeErr("create lease key", err)
	}
	if !ok {
		return types.Lease{}, &types.ConflictError{Twin: req.Twin, Path: req.Paths[0], Reason: "lost acquire race"}
	}

	commitCtx := context.WithoutCancel(ctx)
	lease := types.Lease{
		ID:              leaseID,
		Twin:            req.Twin,
		Holder:          req.Holder,
		Session:         req.Session,
		Kind:            req.Kind,
		Paths:           append([]types.ComponentPath(nil), req.Paths...),
		TTL:             ttl,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastHeartbeatAt: now,
		Active:          true,
	}
	if err := m.repo.InsertLease(commitCtx, lease); err != nil {
		if _, delErr := m.store.Delete(commitCtx, leaseKey(req.Twin, leaseID), string(leaseID)); delErr != nil {
			m.logger.Warn().Err(delErr).Str("lease", string(leaseID)).Msg("failed to roll back lease key")
		}
		return types.Lease{}, storeErr("persist lease", err)
	}
	// A guard that expired during the insert may have let another acquire
	// pass its overlap check without seeing this lease.
	if err := g.confirm(commitCtx); err != nil {
		m.rollback(commitCtx, lease)
		return types.Lease{}, err
	}

	m.logger.Info().
		Str("twin", string(lease.Twin)).
		Str("lease", string(lease.ID)).
		Str("holder", string(lease.Holder)).
		Str("session", string(lease.Session)).
		Str("kind", string(lease.Kind)).
		Str("paths", joinPaths(lease.Paths)).
		Msg("lease granted")
	m.audit.Record(audit.Record{
		Actor:   string(lease.Holder),
		Action:  audit.LockGranted,
		Target:  string(lease.Twin),
		Success: true,
		Fields:  map[string]string{"lease": string(lease.ID), "session": string(lease.Session), "paths": joinPaths(lease.Paths), "kind": string(lease.Kind)},
		At:      now,
	})
	m.publishLease(commitCtx, lease, true, "")
	return lease, nil
}

// acquireGuard is a held per-twin acquire guard.
type acquireGuard struct {
	m     *Manager
	req   AcquireRequest
	key   string
	value string
}

// takeGuard claims the per-twin acquire guard so that the overlap check and
// the lease write happen without an interleaving acquire on the same twin.
func (m *Manager) takeGuard(ctx context.Context, req AcquireRequest, leaseID types.LeaseID) (*acquireGuard, error) {
	g := &acquireGuard{m: m, req: req, key: guardKey(req.Twin), value: encodeGuard(leaseID, req.Holder, req.Session)}
	backoff := m.cfg.GuardBackoff

	for attempt := 0; attempt < m.cfg.GuardAttempts; attempt++ {
		ok, err := m.store.TryPut(ctx, g.key, g.value, m.cfg.GuardTTL)
		if err != nil {
			return nil, storeErr("take acquire guard", err)
		}
		if ok {
			return g, nil
		}
		if attempt == m.cfg.GuardAttempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, g.contended(ctx, "concurrent acquire in progress")
}

// confirm extends the guard if this acquire still owns it and returns a
// Conflict when it expired or was taken over.
func (g *acquireGuard) confirm(ctx context.Context) error {
	ok, err := g.m.store.Extend(ctx, g.key, g.value, g.m.cfg.GuardTTL)
	if err != nil {
		return storeErr("extend acquire guard", err)
	}
	if !ok {
		guardLosses.Inc()
		return g.contended(ctx, reasonGuardLost)
	}
	return nil
}

func (g *acquireGuard) release() {
	if _, err := g.m.store.Delete(context.Background(), g.key, g.value); err != nil {
		g.m.logger.Warn().Err(err).Str("twin", string(g.req.Twin)).Msg("failed to release acquire guard")
	}
}

func (g *acquireGuard) contended(ctx context.Context, reason string) *types.ConflictError {
	conflict := &types.ConflictError{Twin: g.req.Twin, Path: g.req.Paths[0], Reason: reason}
	if current, ok, err := g.m.store.Get(ctx, g.key); err == nil && ok {
		_, conflict.Holder, conflict.Session = decodeGuard(current)
	}
	return conflict
}

// rollback undoes a lease that was persisted but never announced.
func (m *Manager) rollback(ctx context.Context, lease types.Lease) {
	if _, err := m.repo.DeactivateLease(ctx, lease.ID, m.clock.Now(), reasonGuardLost); err != nil {
		m.logger.Error().Err(err).Str("lease", string(lease.ID)).Msg("failed to roll back lease record")
	}
	if _, err := m.store.Delete(ctx, leaseKey(lease.Twin, lease.ID), string(lease.ID)); err != nil {
		m.logger.Warn().Err(err).Str("lease", string(lease.ID)).Msg("failed to roll back lease key")
	}
	m.logger.Warn().Str("twin", string(lease.Twin)).Str("lease", string(lease.ID)).Msg("acquire guard lost, lease rolled back")
}

func (m *Manager) findConflict(ctx context.Context, req AcquireRequest, now time.Time) (*types.ConflictError, error) {
	leases, err := m.repo.ActiveLeases(ctx, req.Twin)
	if err != nil {
		return nil, storeErr("list active leases", err)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].AcquiredAt.Before(leases[j].AcquiredAt) })

	for _, held := range leases {
		if !held.Live(now, m.cfg.Staleness) {
			if _, err := m.deactivate(ctx, held, m.expiryReason(held, now), now); err != nil {
				m.logger.Warn().Err(err).Str("lease", string(held.ID)).Msg("failed to deactivate expired lease")
			}
			continue
		}
		if req.Kind.CompatibleWith(held.Kind) {
			continue
		}
		if path, ok := held.OverlappingPath(req.Paths); ok {
			return &types.ConflictError{
				Twin:    req.Twin,
				Lease:   held.ID,
				Holder:  held.Holder,
				Session: held.Session,
				Kind:    held.Kind,
				Path:    path,
			}, nil
		}
	}
	return nil, nil
}

// Heartbeat extends an active, unexpired lease. Expired, stale, released or
// unknown leases fail with types.ErrLeaseExpired.
func (m *Manager) Heartbeat(ctx context.Context, id types.LeaseID) (types.Lease, error) {
	ctx, span := tracer.Start(ctx, "lock.heartbeat")
	defer span.End()

	lease, err := m.repo.GetLease(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return types.Lease{}, fmt.Errorf("%w: lease %s unknown", types.ErrLeaseExpired, id)
	}
	if err != nil {
		return types.Lease{}, storeErr("load lease", err)
	}

	now := m.clock.Now()
	if !lease.Live(now, m.cfg.Staleness) {
		if lease.Active {
			if _, err := m.deactivate(ctx, lease, m.expiryReason(lease, now), now); err != nil {
				return types.Lease{}, err
			}
		}
		heartbeats.WithLabelValues("expired").Inc()
		m.audit.Record(audit.Record{Actor: string(lease.Holder), Action: audit.LockHeartbeat, Target: string(lease.Twin), Detail: "lease expired", Fields: map[string]string{"lease": string(id)}})
		return types.Lease{}, fmt.Errorf("%w: lease %s", types.ErrLeaseExpired, id)
	}

	ok, err := m.store.Extend(ctx, leaseKey(lease.Twin, id), string(id), lease.TTL)
	if err != nil {
		return types.Lease{}, storeErr("extend lease key", err)
	}
	if !ok {
		if _, err := m.deactivate(ctx, lease, reasonStoreLost, now); err != nil {
			return types.Lease{}, err
		}
		heartbeats.WithLabelValues("expired").Inc()
		return types.Lease{}, fmt.Errorf("%w: lease %s no longer held", types.ErrLeaseExpired, id)
	}

	expires := now.Add(lease.TTL)
	touched, err := m.repo.TouchLease(ctx, id, now, expires)
	if err != nil {
		return types.Lease{}, storeErr("record heartbeat", err)
	}
	if !touched {
		heartbeats.WithLabelValues("expired").Inc()
		return types.Lease{}, fmt.Errorf("%w: lease %s released concurrently", types.ErrLeaseExpired, id)
	}

	heartbeats.WithLabelValues("ok").Inc()
	lease.LastHeartbeatAt = now
	lease.ExpiresAt = expires
	return lease, nil
}

// Release deactivates a lease. Releasing an inactive or unknown lease is a
// no-op.
func (m *Manager) Release(ctx context.Context, id types.LeaseID) error {
	ctx, span := tracer.Start(ctx, "lock.release")
	defer span.End()

	lease, err := m.repo.GetLease(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("load lease", err)
	}
	if !lease.Active {
		return nil
	}
	_, err = m.deactivate(ctx, lease, reasonReleased, m.clock.Now())
	return err
}

// ReclaimStale deactivates every active lease whose expiry has passed or whose
// last heartbeat is older than the staleness window. It is idempotent and
// safe to run concurrently with Acquire and Release.
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "lock.reclaim")
	defer span.End()

	leases, err := m.repo.AllActiveLeases(ctx)
	if err != nil {
		return 0, storeErr("list active leases", err)
	}
	now := m.clock.Now()
	reclaimed := 0
	var errs []error
	for _, lease := range leases {
		if lease.Live(now, m.cfg.Staleness) {
			continue
		}
		changed, err := m.deactivate(ctx, lease, m.expiryReason(lease, now), now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			reclaimed++
		}
	}
	return reclaimed, errors.Join(errs...)
}

// Authorize returns nil when session holds a live exclusive or shared lease
// covering path on twin.
func (m *Manager) Authorize(ctx context.Context, twin types.TwinID, session types.SessionID, path types.ComponentPath) error {
	leases, err := m.repo.ActiveLeases(ctx, twin)
	if err != nil {
		return storeErr("list active leases", err)
	}
	now := m.clock.Now()
	for _, l := range leases {
		if l.Session == session && l.Kind.AllowsEdits() && l.Live(now, m.cfg.Staleness) && l.Covers(path) {
			return nil
		}
	}
	return &types.RejectionError{Err: types.ErrUnauthorized, Path: path, Rule: "no active exclusive or shared lease of the session covers the path"}
}

// ExclusiveHolder returns a live exclusive lease of a session other than
// except that covers path.
func (m *Manager) ExclusiveHolder(ctx context.Context, twin types.TwinID, path types.ComponentPath, except types.SessionID) (types.Lease, bool, error) {
	leases, err := m.repo.ActiveLeases(ctx, twin)
	if err != nil {
		return types.Lease{}, false, storeErr("list active leases", err)
	}
	now := m.clock.Now()
	for _, l := range leases {
		if l.Kind == types.LockExclusive && l.Session != except && l.Live(now, m.cfg.Staleness) && l.Covers(path) {
			return l, true, nil
		}
	}
	return types.Lease{}, false, nil
}

// ActiveLeases lists the live leases of a twin.
func (m *Manager) ActiveLeases(ctx context.Context, twin types.TwinID) ([]types.Lease, error) {
	leases, err := m.repo.ActiveLeases(ctx, twin)
	if err != nil {
		return nil, storeErr("list active leases", err)
	}
	now := m.clock.Now()
	live := leases[:0]
	for _, l := range leases {
		if l.Live(now, m.cfg.Staleness) {
			live = append(live, l)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].AcquiredAt.Before(live[j].AcquiredAt) })
	return live, nil
}

func (m *Manager) deactivate(ctx context.Context, lease types.Lease, reason string, now time.Time) (bool, error) {
	changed, err := m.repo.DeactivateLease(ctx, lease.ID, now, reason)
	if err != nil {
		return false, storeErr("deactivate lease", err)
	}
	if _, err := m.store.Delete(ctx, leaseKey(lease.Twin, lease.ID), string(lease.ID)); err != nil {
		m.logger.Warn().Err(err).Str("lease", string(lease.ID)).Msg("failed to delete lease key")
	}
	if !changed {
		return false, nil
	}

	action := audit.LockReleased
	if reason != reasonReleased {
		action = audit.LockReclaimed
		reclaimedLeases.WithLabelValues(reason).Inc()
	}
	m.logger.Info().
		Str("twin", string(lease.Twin)).
		Str("lease", string(lease.ID)).
		Str("session", string(lease.Session)).
		Str("reason", reason).
		Msg("lease deactivated")
	m.audit.Record(audit.Record{
		Actor:   string(lease.Holder),
		Action:  action,
		Target:  string(lease.Twin),
		Success: true,
		Detail:  reason,
		Fields:  map[string]string{"lease": string(lease.ID), "session": string(lease.Session)},
		At:      now,
	})
	m.publishLease(ctx, lease, false, reason)
	return true, nil
}

func (m *Manager) expiryReason(lease types.Lease, now time.Time) string {
	if !now.Before(lease.ExpiresAt) {
		return reasonExpired
	}
	return reasonStale
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		return m.cfg.MaxTTL
	}
	return ttl
}

func (m *Manager) publishLease(ctx context.Context, lease types.Lease, active bool, reason string) {
	var path types.ComponentPath
	if len(lease.Paths) > 0 {
		path = lease.Paths[0]
	}
	m.events.Publish(ctx, events.Event{
		Type:     events.LeaseChanged,
		Twin:     lease.Twin,
		Session:  lease.Session,
		Holder:   lease.Holder,
		Lease:    lease.ID,
		LockKind: lease.Kind,
		Active:   active,
		Path:     path,
		Reason:   reason,
		At:       m.clock.Now(),
	})
}

func storeErr(op string, err error) error {
	if errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return types.StoreError(op, err)
}

func leaseKey(twin types.TwinID, id types.LeaseID) string {
	return fmt.Sprintf("lease:%s:%s", twin, id)
}

func guardKey(twin types.TwinID) string {
	return fmt.Sprintf("acquire:%s", twin)
}

func encodeGuard(id types.LeaseID, holder types.HolderID, session types.SessionID) string {
	return strings.Join([]string{string(id), string(holder), string(session)}, "|")
}

func decodeGuard(value string) (types.LeaseID, types.HolderID, types.SessionID) {
	parts := strings.SplitN(value, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return types.LeaseID(parts[0]), types.HolderID(parts[1]), types.SessionID(parts[2])
}

func joinPaths(paths []types.ComponentPath) string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return strings.Join(out, ",")
}
