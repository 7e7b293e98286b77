// Package oplog is the append-only, per-twin operation log. Entries are
// positioned by the log itself and are never reordered or rewritten except
// for the resolution fields set once by the resolver.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/twin-collab/internal/audit"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/types"
)

// Store persists log entries, resolutions and per-session watermarks.
type Store interface {
	// AppendOperation assigns the next position. An entry with the same
	// (session, client sequence) is returned unchanged with duplicate=true.
	AppendOperation(ctx context.Context, op types.Operation) (stored types.Operation, duplicate bool, err error)
	ReadSince(ctx context.Context, twin types.TwinID, after int64, limit int) ([]types.Operation, error)
	Pending(ctx context.Context, twin types.TwinID) ([]types.Operation, error)
	Resolved(ctx context.Context, twin types.TwinID, afterApplySeq int64, limit int) ([]types.Operation, error)
	// MarkResolved stores a terminal status together with the watermarks it
	// produced in one transaction.
	MarkResolved(ctx context.Context, twin types.TwinID, res types.Resolution, watermarks types.VectorClock) error
	Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error)
	TwinsWithPending(ctx context.Context) ([]types.TwinID, error)
}

// Authorizer decides whether a session may submit an edit on a path.
type Authorizer interface {
	Authorize(ctx context.Context, twin types.TwinID, session types.SessionID, path types.ComponentPath) error
}

// Submission is an edit as received from the transport layer.
type Submission struct {
	ID      types.OperationID
	Twin    types.TwinID
	Author  types.HolderID
	Session types.SessionID
	Kind    types.OperationKind
	Path    string
	Payload []byte
	Clock   types.VectorClock
}

// AppendResult reports where a submission landed.
type AppendResult struct {
	Position    int64             `json:"position"`
	OperationID types.OperationID `json:"operation_id"`
	Duplicate   bool              `json:"duplicate"`
}

// Log validates, authorizes and appends operations and notifies subscribers.
type Log struct {
	store  Store
	auth   Authorizer
	clock  clock.Clock
	audit  audit.Recorder
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[types.TwinID]map[chan struct{}]struct{}
}

// New constructs a Log.
func New(store Store, auth Authorizer, clk clock.Clock, recorder audit.Recorder, logger zerolog.Logger) *Log {
	if clk == nil {
		clk = clock.Real{}
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Log{
		store:  store,
		auth:   auth,
		clock:  clk,
		audit:  recorder,
		logger: logger,
		subs:   make(map[types.TwinID]map[chan struct{}]struct{}),
	}
}

// Append stores a submission from a session holding a covering lease.
func (l *Log) Append(ctx context.Context, sub Submission) (AppendResult, error) {
	ctx, span := tracer.Start(ctx, "oplog.append")
	defer span.End()
	span.SetAttributes(attribute.String("twin", string(sub.Twin)), attribute.String("session", string(sub.Session)))
	start := time.Now()
	defer func() { appendLatency.Observe(time.Since(start).Seconds()) }()

	op, err := l.validate(sub)
	if err != nil {
		appended.WithLabelValues("invalid").Inc()
		return AppendResult{}, err
	}

	if err := l.auth.Authorize(ctx, op.Twin, op.Session, op.Path); err != nil {
		var rejection *types.RejectionError
		if errors.As(err, &rejection) {
			rejection.Operation = op.ID
		}
		if errors.Is(err, types.ErrUnauthorized) {
			appended.WithLabelValues("unauthorized").Inc()
			l.audit.Record(audit.Record{
				Actor:  string(op.Author),
				Action: audit.OperationRefused,
				Target: string(op.Twin),
				Detail: err.Error(),
				Fields: map[string]string{"session": string(op.Session), "path": string(op.Path), "operation": string(op.ID)},
			})
			l.logger.Debug().Str("twin", string(op.Twin)).Str("session", string(op.Session)).Str("path", string(op.Path)).Msg("operation refused without covering lease")
		} else {
			appended.WithLabelValues("error").Inc()
		}
		return AppendResult{}, err
	}

	stored, duplicate, err := l.store.AppendOperation(ctx, op)
	if err != nil {
		appended.WithLabelValues("error").Inc()
		if errors.Is(err, types.ErrInvalidArgument) || errors.Is(err, types.ErrStoreUnavailable) {
			return AppendResult{}, err
		}
		return AppendResult{}, types.StoreError("append operation", err)
	}

	result := AppendResult{Position: stored.Position, OperationID: stored.ID, Duplicate: duplicate}
	if duplicate {
		appended.WithLabelValues("duplicate").Inc()
		return result, nil
	}

	appended.WithLabelValues("appended").Inc()
	l.audit.Record(audit.Record{
		Actor:   string(stored.Author),
		Action:  audit.OperationAccepted,
		Target:  string(stored.Twin),
		Success: true,
		Fields: map[string]string{
			"session":   string(stored.Session),
			"path":      string(stored.Path),
			"operation": string(stored.ID),
			"position":  strconv.FormatInt(stored.Position, 10),
		},
		At: stored.CreatedAt,
	})
	l.notify(stored.Twin)
	return result, nil
}

func (l *Log) validate(sub Submission) (types.Operation, error) {
	if sub.Twin == "" || sub.Session == "" || sub.Author == "" {
		return types.Operation{}, fmt.Errorf("%w: twin, author and session are required", types.ErrInvalidArgument)
	}
	path, err := types.ParsePath(sub.Path)
	if err != nil {
		return types.Operation{}, err
	}
	if _, err := types.ParsePayload(sub.Kind, sub.Payload); err != nil {
		return types.Operation{}, err
	}
	if sub.Clock[sub.Session] < 1 {
		return types.Operation{}, fmt.Errorf("%w: vector clock must carry the author's sequence starting at 1", types.ErrInvalidArgument)
	}
	id := sub.ID
	if id == "" {
		id = types.OperationID(uuid.NewString())
	}
	return types.Operation{
		ID:        id,
		Twin:      sub.Twin,
		Author:    sub.Author,
		Session:   sub.Session,
		Kind:      sub.Kind,
		Path:      path,
		Payload:   append([]byte(nil), sub.Payload...),
		Clock:     sub.Clock.Clone(),
		CreatedAt: l.clock.Now(),
		Status:    types.StatusPending,
	}, nil
}

// ReadSince returns entries after position in log order, bounded by the
// tail at call time. Callers re-poll or Subscribe for later entries.
func (l *Log) ReadSince(ctx context.Context, twin types.TwinID, position int64, limit int) ([]types.Operation, error) {
	ops, err := l.store.ReadSince(ctx, twin, position, limit)
	if err != nil {
		return nil, wrapStore("read log", err)
	}
	return ops, nil
}

// Pending returns unresolved entries in position order.
func (l *Log) Pending(ctx context.Context, twin types.TwinID) ([]types.Operation, error) {
	ops, err := l.store.Pending(ctx, twin)
	if err != nil {
		return nil, wrapStore("read pending", err)
	}
	return ops, nil
}

// Resolved returns terminal entries in apply order.
func (l *Log) Resolved(ctx context.Context, twin types.TwinID, afterApplySeq int64, limit int) ([]types.Operation, error) {
	ops, err := l.store.Resolved(ctx, twin, afterApplySeq, limit)
	if err != nil {
		return nil, wrapStore("read resolved", err)
	}
	return ops, nil
}

// MarkResolved persists one resolution with its watermarks.
func (l *Log) MarkResolved(ctx context.Context, twin types.TwinID, res types.Resolution, watermarks types.VectorClock) error {
	if err := l.store.MarkResolved(ctx, twin, res, watermarks); err != nil {
		return wrapStore("mark resolved", err)
	}
	return nil
}

// Watermarks returns the durable watermarks and the last apply sequence.
func (l *Log) Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error) {
	wm, seq, err := l.store.Watermarks(ctx, twin)
	if err != nil {
		return nil, 0, wrapStore("read watermarks", err)
	}
	return wm, seq, nil
}

// TwinsWithPending lists twins with unresolved entries.
func (l *Log) TwinsWithPending(ctx context.Context) ([]types.TwinID, error) {
	twins, err := l.store.TwinsWithPending(ctx)
	if err != nil {
		return nil, wrapStore("list pending twins", err)
	}
	return twins, nil
}

// Subscribe returns a channel signalled after each append to twin. Signals
// coalesce; the receiver should read everything pending when woken.
func (l *Log) Subscribe(twin types.TwinID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	set, ok := l.subs[twin]
	if !ok {
		set = make(map[chan struct{}]struct{})
		l.subs[twin] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[twin], ch)
			if len(l.subs[twin]) == 0 {
				delete(l.subs, twin)
			}
		})
	}
}

func (l *Log) notify(twin types.TwinID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[twin] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func wrapStore(op string, err error) error {
	if errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, types.ErrCorruption) ||
		errors.Is(err, types.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return types.StoreError(op, err)
}
