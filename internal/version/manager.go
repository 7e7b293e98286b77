// Package version materializes applied state into immutable numbered
// versions with a single latest marker and a parent chain per twin.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/twin-collab/internal/audit"
	"github.com/example/twin-collab/internal/blob"
	"github.com/example/twin-collab/internal/clock"
	"github.com/example/twin-collab/internal/events"
	"github.com/example/twin-collab/internal/state"
	"github.com/example/twin-collab/internal/types"
)

// SystemAuthor is recorded on versions created by the snapshot worker.
const SystemAuthor types.HolderID = "system"

// Repository persists twins and versions. CreateVersion numbers the next
// version, calls build, stores it and flips the latest flag as one
// transaction.
type Repository interface {
	CreateTwin(ctx context.Context, twin types.Twin, first types.Version) (bool, error)
	GetTwin(ctx context.Context, id types.TwinID) (types.Twin, error)
	Twins(ctx context.Context) ([]types.TwinID, error)
	CreateVersion(ctx context.Context, twin types.TwinID, build func(number, parent int64) (types.Version, error)) (types.Version, error)
	LatestVersion(ctx context.Context, twin types.TwinID) (types.Version, error)
	GetVersion(ctx context.Context, twin types.TwinID, number int64) (types.Version, error)
	ListVersions(ctx context.Context, twin types.TwinID) ([]types.Version, error)
}

// Log is the subset of the operation log versions are derived from.
type Log interface {
	state.ResolvedReader
	ReadSince(ctx context.Context, twin types.TwinID, position int64, limit int) ([]types.Operation, error)
	Watermarks(ctx context.Context, twin types.TwinID) (types.VectorClock, int64, error)
}

// RegisterRequest describes a new twin.
type RegisterRequest struct {
	Twin         types.TwinID
	Organization string
	Author       types.HolderID
	Properties   map[string]types.PropertyMap
}

// Manager creates and reads versions.
type Manager struct {
	repo   Repository
	log    Log
	engine *state.Engine
	blobs  blob.Store
	clock  clock.Clock
	events events.Publisher
	audit  audit.Recorder
	logger zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Manager)

// WithBlobStore stores property documents in object storage instead of
// inline.
func WithBlobStore(store blob.Store) Option {
	return func(m *Manager) { m.blobs = store }
}

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

// NewManager constructs a version manager.
func NewManager(repo Repository, log Log, engine *state.Engine, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		log:    log,
		engine: engine,
		clock:  clock.Real{},
		events: events.Discard,
		audit:  audit.Discard,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates a twin and its parentless version 1. Registering an
// existing twin returns it with created=false.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (types.Twin, bool, error) {
	if req.Twin == "" || req.Author == "" {
		return types.Twin{}, false, fmt.Errorf("%w: twin and author are required", types.ErrInvalidArgument)
	}
	props, err := normalizeProperties(req.Properties)
	if err != nil {
		return types.Twin{}, false, err
	}

	if existing, err := m.repo.GetTwin(ctx, req.Twin); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Twin{}, false, wrapStore("load twin", err)
	}
	if ops, err := m.log.ReadSince(ctx, req.Twin, 0, 1); err != nil {
		return types.Twin{}, false, err
	} else if len(ops) > 0 {
		return types.Twin{}, false, fmt.Errorf("%w: twin %s already has logged operations", types.ErrConflict, req.Twin)
	}

	now := m.clock.Now()
	first := types.Version{
		ID:         types.VersionID(uuid.NewString()),
		Twin:       req.Twin,
		Number:     1,
		Properties: props,
		Watermarks: types.VectorClock{},
		Message:    "initial version",
		CreatedBy:  req.Author,
		CreatedAt:  now,
		Latest:     true,
	}
	if err := m.offload(ctx, &first); err != nil {
		return types.Twin{}, false, err
	}

	twin := types.Twin{ID: req.Twin, OrganizationID: req.Organization, CurrentVersion: 1, CreatedAt: now}
	created, err := m.repo.CreateTwin(ctx, twin, first)
	if err != nil || !created {
		if first.ObjectPath != "" && m.blobs != nil {
			_ = m.blobs.Delete(context.WithoutCancel(ctx), first.ObjectPath)
		}
		if err != nil {
			return types.Twin{}, false, wrapStore("create twin", err)
		}
		existing, err := m.repo.GetTwin(ctx, req.Twin)
		return existing, false, wrapStore("load twin", err)
	}

	m.logger.Info().Str("twin", string(req.Twin)).Str("holder", string(req.Author)).Msg("twin registered")
	m.audit.Record(audit.Record{Actor: string(req.Author), Action: audit.VersionCreated, Target: string(req.Twin), Success: true, Fields: map[string]string{"version": "1"}, At: now})
	m.events.Publish(ctx, events.Event{Type: events.VersionCreated, Twin: req.Twin, Holder: req.Author, Version: 1, At: now})
	return twin, true, nil
}

// Snapshot captures the twin's current applied state as a new latest version
// whose parent is the previous latest.
func (m *Manager) Snapshot(ctx context.Context, twin types.TwinID, author types.HolderID, message string) (types.Version, error) {
	ctx, span := tracer.Start(ctx, "version.snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("twin", string(twin)))
	start := time.Now()

	if author == "" {
		return types.Version{}, fmt.Errorf("%w: author is required", types.ErrInvalidArgument)
	}
	current, err := m.current(ctx, twin)
	if err != nil {
		return types.Version{}, err
	}

	now := m.clock.Now()
	v, err := m.repo.CreateVersion(ctx, twin, func(number, parent int64) (types.Version, error) {
		v := types.Version{
			ID:             types.VersionID(uuid.NewString()),
			Twin:           twin,
			Number:         number,
			Parent:         parent,
			Properties:     current.Components,
			AppliedThrough: current.AppliedThrough,
			Watermarks:     current.Watermarks,
			Message:        message,
			CreatedBy:      author,
			CreatedAt:      now,
		}
		if err := m.offload(ctx, &v); err != nil {
			return types.Version{}, err
		}
		return v, nil
	})
	if err != nil {
		return types.Version{}, wrapStore("create version", err)
	}
	v.Properties = current.Components

	snapshotLatency.Observe(time.Since(start).Seconds())
	versionsCreated.Inc()
	m.logger.Info().
		Str("twin", string(twin)).
		Int64("version", v.Number).
		Int64("parent", v.Parent).
		Int64("applied_through", v.AppliedThrough).
		Str("holder", string(author)).
		Msg("version created")
	m.audit.Record(audit.Record{
		Actor:   string(author),
		Action:  audit.VersionCreated,
		Target:  string(twin),
		Success: true,
		Detail:  message,
		Fields:  map[string]string{"version": strconv.FormatInt(v.Number, 10), "parent": strconv.FormatInt(v.Parent, 10)},
		At:      now,
	})
	m.events.Publish(ctx, events.Event{Type: events.VersionCreated, Twin: twin, Holder: author, Version: v.Number, At: now})
	return v, nil
}

// current returns the applied state to snapshot: the in-memory document when
// it is at least as recent as the latest version, otherwise a replay of the
// durable log on top of the latest version.
func (m *Manager) current(ctx context.Context, twin types.TwinID) (state.Snapshot, error) {
	latest, err := m.Latest(ctx, twin)
	if err != nil {
		return state.Snapshot{}, err
	}
	if m.engine != nil && m.engine.Loaded(twin) {
		snap := m.engine.Snapshot(twin)
		if snap.AppliedThrough >= latest.AppliedThrough {
			return snap, nil
		}
	}
	base := state.Snapshot{Components: latest.Properties, AppliedThrough: latest.AppliedThrough, Watermarks: latest.Watermarks}
	doc, _, err := state.Replay(ctx, m.log, twin, base, nil)
	if err != nil {
		return state.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

// History returns the chain from version 1 to the latest version following
// parent links. Property documents are not loaded.
func (m *Manager) History(ctx context.Context, twin types.TwinID) ([]types.Version, error) {
	all, err := m.repo.ListVersions(ctx, twin)
	if err != nil {
		return nil, wrapStore("list versions", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("twin %s: %w", twin, types.ErrNotFound)
	}

	byNumber := make(map[int64]types.Version, len(all))
	var latest *types.Version
	for i := range all {
		byNumber[all[i].Number] = all[i]
		if all[i].Latest {
			if latest != nil {
				return nil, fmt.Errorf("%w: twin %s has versions %d and %d marked latest", types.ErrCorruption, twin, latest.Number, all[i].Number)
			}
			latest = &all[i]
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: twin %s has no latest version", types.ErrCorruption, twin)
	}

	var chain []types.Version
	for cur, ok := *latest, true; ok; cur, ok = byNumber[cur.Parent] {
		chain = append(chain, cur)
		if cur.Parent == 0 {
			break
		}
		if len(chain) > len(all) {
			return nil, fmt.Errorf("%w: parent cycle in twin %s", types.ErrCorruption, twin)
		}
	}
	if last := chain[len(chain)-1]; last.Number != 1 || last.Parent != 0 {
		return nil, fmt.Errorf("%w: history of %s is not anchored at version 1", types.ErrCorruption, twin)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Latest returns the latest version with its properties loaded.
func (m *Manager) Latest(ctx context.Context, twin types.TwinID) (types.Version, error) {
	v, err := m.repo.LatestVersion(ctx, twin)
	if err != nil {
		return types.Version{}, wrapStore("load latest version", err)
	}
	return m.hydrate(ctx, v)
}

// Get returns one version with its properties loaded.
func (m *Manager) Get(ctx context.Context, twin types.TwinID, number int64) (types.Version, error) {
	v, err := m.repo.GetVersion(ctx, twin, number)
	if err != nil {
		return types.Version{}, wrapStore("load version", err)
	}
	return m.hydrate(ctx, v)
}

// Twins lists registered twins.
func (m *Manager) Twins(ctx context.Context) ([]types.TwinID, error) {
	twins, err := m.repo.Twins(ctx)
	if err != nil {
		return nil, wrapStore("list twins", err)
	}
	return twins, nil
}

func (m *Manager) offload(ctx context.Context, v *types.Version) error {
	if m.blobs == nil {
		return nil
	}
	data, err := json.Marshal(v.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	path := fmt.Sprintf("versions/%s/%d-%s.json", v.Twin, v.Number, v.ID)
	if err := m.blobs.Put(ctx, path, data); err != nil {
		return err
	}
	v.ObjectPath = path
	v.Properties = nil
	return nil
}

func (m *Manager) hydrate(ctx context.Context, v types.Version) (types.Version, error) {
	if v.ObjectPath == "" || v.Properties != nil {
		return v, nil
	}
	if m.blobs == nil {
		return types.Version{}, fmt.Errorf("version %d of %s is in object storage but no blob store is configured", v.Number, v.Twin)
	}
	data, err := m.blobs.Get(ctx, v.ObjectPath)
	if err != nil {
		return types.Version{}, err
	}
	if err := json.Unmarshal(data, &v.Properties); err != nil {
		return types.Version{}, fmt.Errorf("%w: decode %s: %v", types.ErrCorruption, v.ObjectPath, err)
	}
	return v, nil
}

func normalizeProperties(in map[string]types.PropertyMap) (map[string]types.PropertyMap, error) {
	out := make(map[string]types.PropertyMap, len(in))
	for raw, props := range in {
		path, err := types.ParsePath(raw)
		if err != nil {
			return nil, err
		}
		if props == nil {
			props = types.PropertyMap{}
		}
		out[string(path)] = props.Clone()
	}
	return out, nil
}

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrCorruption) || errors.Is(err, types.ErrStoreUnavailable) ||
		errors.Is(err, types.ErrInvalidArgument) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return types.StoreError(op, err)
}
