// Package resolver turns the unordered arrival of logged operations into one
// agreed application order per twin. Each twin has a single writer; the
// Supervisor makes sure at most one process resolves a twin at a time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/twin-collab/internal/audit"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/types"
)

// Log is the subset of the operation log the resolver consumes.
type Log interface {
	Pending(ctx context.Context, twin types.TwinID) ([]types.Operation, error)
	Resolved(ctx context.Context, twin types.TwinID, afterApplySeq int64, limit int) ([]types.Operation, error)
	MarkResolved(ctx context.Context, twin types.TwinID, res types.Resolution, watermarks types.VectorClock) error
	Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error)
	Subscribe(twin types.TwinID) (<-chan struct{}, func())
	TwinsWithPending(ctx context.Context) ([]types.TwinID, error)
}

// LockChecker reports exclusive leases held by other sessions.
type LockChecker interface {
	ExclusiveHolder(ctx context.Context, twin types.TwinID, path types.ComponentPath, except types.SessionID) (types.Lease, bool, error)
}

// Baseline returns the latest durable version used as the replay start.
type Baseline interface {
	Latest(ctx context.Context, twin types.TwinID) (types.Version, error)
}

// Config tunes resolution timing.
type Config struct {
	PollInterval      time.Duration
	StarvationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StarvationTimeout <= 0 {
		c.StarvationTimeout = 2 * time.Minute
	}
	return c
}

// Deps bundles the collaborators shared by every twin's resolver.
type Deps struct {
	Log      Log
	Locks    LockChecker
	Baseline Baseline
	Engine   *state.Engine
	Clock    clock.Clock
	Events   events.Publisher
	Audit    audit.Recorder
	Logger   zerolog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Events == nil {
		d.Events = events.Discard
	}
	if d.Audit == nil {
		d.Audit = audit.Discard
	}
	return d
}

// Resolver is the single writer of one twin's materialized state.
type Resolver struct {
	twin   types.TwinID
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	loaded bool
	halted error
}

// New constructs a resolver for twin. Call Load or Step; Step loads lazily.
func New(twin types.TwinID, deps Deps, cfg Config) *Resolver {
	deps = deps.withDefaults()
	return &Resolver{
		twin:   twin,
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: deps.Logger.With().Str("twin", string(twin)).Logger(),
	}
}

// Twin returns the resolved twin.
func (r *Resolver) Twin() types.TwinID { return r.twin }

// Halted returns the corruption that stopped the resolver, if any.
func (r *Resolver) Halted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Resume clears a halt. The next Step reloads state from durable storage.
func (r *Resolver) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted != nil {
		r.logger.Warn().Err(r.halted).Msg("resolver resumed by operator")
	}
	r.halted = nil
	r.loaded = false
}

// Load rebuilds the materialized state from the latest version plus every
// resolution recorded after it, in apply order.
func (r *Resolver) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *Resolver) load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "resolver.load", traceTwin(r.twin))
	defer span.End()

	snap := state.Snapshot{}
	baseline, err := r.deps.Baseline.Latest(ctx, r.twin)
	switch {
	case err == nil:
		snap = state.Snapshot{Components: baseline.Properties, AppliedThrough: baseline.AppliedThrough, Watermarks: baseline.Watermarks}
	case errors.Is(err, types.ErrNotFound):
	default:
		return fmt.Errorf("load baseline: %w", err)
	}

	doc, replayed, err := state.Replay(ctx, r.deps.Log, r.twin, snap, nil)
	if err != nil {
		return r.halt(ctx, err)
	}

	durable, lastSeq, err := r.deps.Log.Watermarks(ctx, r.twin)
	if err != nil {
		return fmt.Errorf("read watermarks: %w", err)
	}
	if lastSeq != doc.AppliedThrough() || !sameClock(durable, doc.Watermarks()) {
		return r.halt(ctx, fmt.Errorf("%w: replay reached apply sequence %d with watermarks %v, log recorded %d with %v",
			types.ErrCorruption, doc.AppliedThrough(), doc.Watermarks(), lastSeq, durable))
	}

	if err := r.deps.Engine.Restore(r.twin, doc.Snapshot()); err != nil {
		return r.halt(ctx, fmt.Errorf("%w: restore: %v", types.ErrCorruption, err))
	}
	r.loaded = true
	replayedOps.Add(float64(replayed))
	r.logger.Info().Int64("applied_through", doc.AppliedThrough()).Int("replayed", replayed).Msg("resolver state loaded")
	return nil
}

// Step resolves every operation that is ready now, fails starved ones and
// returns how many operations reached a terminal status.
func (r *Resolver) Step(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrResolverHalted, r.halted)
	}
	if !r.loaded {
		if err := r.load(ctx); err != nil {
			return 0, err
		}
	}

	ctx, span := tracer.Start(ctx, "resolver.step", traceTwin(r.twin))
	defer span.End()
	start := time.Now()

	pending, err := r.deps.Log.Pending(ctx, r.twin)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	b := &batch{
		pending:    pending,
		watermarks: r.deps.Engine.Watermarks(r.twin),
		applySeq:   r.deps.Engine.AppliedThrough(r.twin),
		writers:    make(map[propertyKey]types.OperationID),
	}

	resolved := 0
	for {
		idx, err := b.nextReady()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return resolved, r.halt(ctx, err)
		}
		starved := false
		if idx < 0 {
			idx = b.nextStarved(r.deps.Clock.Now(), r.cfg.StarvationTimeout)
			starved = true
		}
		if idx < 0 {
			break
		}
		if err := r.resolve(ctx, b, idx, starved); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return resolved, err
		}
		resolved++
	}

	waiting := len(b.pending)
	pendingOps.WithLabelValues(string(r.twin)).Set(float64(waiting))
	stepLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("resolved", resolved), attribute.Int("waiting", waiting))
	return resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, b *batch, idx int, starved bool) error {
	op := b.pending[idx]
	now := r.deps.Clock.Now()
	res := types.Resolution{Operation: op.ID, Position: op.Position, ApplySeq: b.applySeq + 1, At: now}

	if starved {
		res.Status = types.StatusFailed
		res.Reason = fmt.Sprintf("%v after %s waiting for causal predecessors", types.ErrStarved, r.cfg.StarvationTimeout)
	} else {
		holder, held, err := r.deps.Locks.ExclusiveHolder(ctx, r.twin, op.Path, op.Session)
		if err != nil {
			return fmt.Errorf("check exclusive leases: %w", err)
		}
		if held {
			rejection := &types.RejectionError{
				Err:       types.ErrLockViolation,
				Operation: op.ID,
				Path:      op.Path,
				Rule:      "path is covered by another session's exclusive lease",
				Holder:    holder.Holder,
				Session:   holder.Session,
			}
			res.Status = types.StatusRejected
			res.Reason = rejection.Error()
		} else {
			res.Status = types.StatusApplied
		}
	}

	watermarks := b.watermarks.Clone()
	if res.Status != types.StatusFailed {
		watermarks[op.Session] = op.ClientSeq()
	}

	if err := r.deps.Log.MarkResolved(ctx, r.twin, res, watermarks); err != nil {
		// State in memory may now lag the store; reload before the next step.
		r.loaded = false
		return fmt.Errorf("record resolution of %s: %w", op.ID, err)
	}
	if err := r.deps.Engine.Commit(r.twin, op, res.Status, res.ApplySeq); err != nil {
		return r.halt(ctx, fmt.Errorf("%w: commit %s: %v", types.ErrCorruption, op.ID, err))
	}

	b.watermarks = watermarks
	b.applySeq = res.ApplySeq
	b.remove(idx)
	if res.Status == types.StatusApplied && b.supersedes(op) {
		supersededOps.Inc()
	}
	r.report(ctx, op, res)
	return nil
}

func (r *Resolver) report(ctx context.Context, op types.Operation, res types.Resolution) {
	resolvedOps.WithLabelValues(string(res.Status)).Inc()

	evt := events.Event{
		Type:      events.OperationApplied,
		Twin:      r.twin,
		Session:   op.Session,
		Holder:    op.Author,
		Operation: op.ID,
		Position:  op.Position,
		Path:      op.Path,
		Status:    res.Status,
		Reason:    res.Reason,
		At:        res.At,
	}
	action := audit.OperationApplied
	switch res.Status {
	case types.StatusRejected:
		evt.Type = events.OperationRejected
		action = audit.OperationRejected
	case types.StatusFailed:
		evt.Type = events.OperationRejected
		action = audit.OperationFailed
	}

	logEvt := r.logger.Debug()
	if res.Status != types.StatusApplied {
		logEvt = r.logger.Info()
	}
	logEvt.
		Str("operation", string(op.ID)).
		Str("session", string(op.Session)).
		Str("path", string(op.Path)).
		Int64("position", op.Position).
		Int64("apply_seq", res.ApplySeq).
		Str("status", string(res.Status)).
		Str("reason", res.Reason).
		Msg("operation resolved")

	r.deps.Audit.Record(audit.Record{
		Actor:   string(op.Author),
		Action:  action,
		Target:  string(r.twin),
		Success: res.Status == types.StatusApplied,
		Detail:  res.Reason,
		Fields: map[string]string{
			"operation": string(op.ID),
			"session":   string(op.Session),
			"path":      string(op.Path),
			"position":  strconv.FormatInt(op.Position, 10),
			"apply_seq": strconv.FormatInt(res.ApplySeq, 10),
		},
		At: res.At,
	})
	r.deps.Events.Publish(ctx, evt)
}

func (r *Resolver) halt(ctx context.Context, err error) error {
	if !errors.Is(err, types.ErrCorruption) {
		return err
	}
	r.halted = err
	r.loaded = false
	r.deps.Engine.Drop(r.twin)
	haltedResolvers.Inc()
	r.logger.Error().Err(err).Msg("resolver halted; operator intervention required")
	r.deps.Audit.Record(audit.Record{
		Actor:  "resolver",
		Action: audit.ResolverHalted,
		Target: string(r.twin),
		Detail: err.Error(),
		At:     r.deps.Clock.Now(),
	})
	return err
}

// Run resolves until ctx is cancelled, waking on appends and on the poll
// interval. It returns nil on cancellation and keeps running while halted.
func (r *Resolver) Run(ctx context.Context) error {
	notify, cancel := r.deps.Log.Subscribe(r.twin)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Step(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, types.ErrResolverHalted) && !errors.Is(err, types.ErrCorruption) {
			r.logger.Warn().Err(err).Msg("resolver step failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-ticker.C:
		}
	}
}

func sameClock(a, b types.VectorClock) bool {
	for k, v := range a {
		if v != 0 && b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if v != 0 && a[k] != v {
			return false
		}
	}
	return true
}

func traceTwin(twin types.TwinID) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("twin", string(twin)))
}
