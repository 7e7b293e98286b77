package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/leasestore"
	"github.com/example/twin-collab/internal/types"
)

// SupervisorConfig tunes twin ownership.
type SupervisorConfig struct {
	Resolver     Config
	InstanceID   string
	OwnershipTTL time.Duration
	// IdleAfter stops a twin's resolver once it has had nothing pending for
	// this long, releasing ownership. Zero keeps resolvers running.
	IdleAfter time.Duration
}

type worker struct {
	resolver *Resolver
	cancel   context.CancelFunc
	done     chan struct{}
}

// Supervisor runs at most one resolver per twin in this process and claims
// cross-process ownership through the lease store key resolver:{twin}.
type Supervisor struct {
	deps   Deps
	store  leasestore.Store
	cfg    SupervisorConfig
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[types.TwinID]*worker
	wg      sync.WaitGroup
}

// NewSupervisor constructs a supervisor.
func NewSupervisor(deps Deps, store leasestore.Store, cfg SupervisorConfig) *Supervisor {
	deps = deps.withDefaults()
	cfg.Resolver = cfg.Resolver.withDefaults()
	if cfg.OwnershipTTL <= 0 {
		cfg.OwnershipTTL = 15 * time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "local"
	}
	return &Supervisor{
		deps:    deps,
		store:   store,
		cfg:     cfg,
		logger:  deps.Logger.With().Str("component", "resolver_supervisor").Logger(),
		workers: make(map[types.TwinID]*worker),
	}
}

// Run discovers twins with pending operations every poll interval and starts
// resolvers for the ones this instance can own. It blocks until ctx is
// cancelled and then waits for every resolver to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Resolver.PollInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		s.discover(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) discover(ctx context.Context) {
	twins, err := s.deps.Log.TwinsWithPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("failed to list twins with pending operations")
		}
		return
	}
	for _, twin := range twins {
		if err := s.Ensure(ctx, twin); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("twin", string(twin)).Msg("failed to start resolver")
		}
	}
}

// Ensure starts a resolver for twin unless one is running here or another
// instance owns the twin.
func (s *Supervisor) Ensure(ctx context.Context, twin types.TwinID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[twin]; ok {
		return nil
	}

	ok, err := s.store.TryPut(ctx, ownershipKey(twin), s.cfg.InstanceID, s.cfg.OwnershipTTL)
	if err != nil {
		return fmt.Errorf("claim ownership: %w", err)
	}
	if !ok {
		return nil
	}
	ownership.WithLabelValues("claimed").Inc()

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{
		resolver: New(twin, s.deps, s.cfg.Resolver),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.workers[twin] = w
	s.wg.Add(1)
	go s.runWorker(ctx, workerCtx, w)
	s.logger.Info().Str("twin", string(twin)).Str("instance", s.cfg.InstanceID).Msg("resolver started")
	return nil
}

func (s *Supervisor) runWorker(parent, ctx context.Context, w *worker) {
	twin := w.resolver.Twin()
	defer s.wg.Done()
	defer close(w.done)
	defer func() {
		s.mu.Lock()
		delete(s.workers, twin)
		s.mu.Unlock()
		s.deps.Engine.Drop(twin)
		if _, err := s.store.Delete(context.WithoutCancel(ctx), ownershipKey(twin), s.cfg.InstanceID); err != nil {
			s.logger.Warn().Err(err).Str("twin", string(twin)).Msg("failed to release resolver ownership")
		}
		ownership.WithLabelValues("released").Inc()
		s.logger.Info().Str("twin", string(twin)).Msg("resolver stopped")
	}()
	defer w.cancel()

	go func() {
		select {
		case <-parent.Done():
			w.cancel()
		case <-ctx.Done():
		}
	}()
	go s.renew(ctx, w)
	if s.cfg.IdleAfter > 0 {
		go s.watchIdle(ctx, w)
	}

	_ = w.resolver.Run(ctx)
}

func (s *Supervisor) renew(ctx context.Context, w *worker) {
	twin := w.resolver.Twin()
	interval := s.cfg.OwnershipTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.store.Extend(ctx, ownershipKey(twin), s.cfg.InstanceID, s.cfg.OwnershipTTL)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("twin", string(twin)).Msg("failed to renew resolver ownership")
				continue
			}
			if !ok && ctx.Err() == nil {
				ownership.WithLabelValues("lost").Inc()
				s.logger.Error().Str("twin", string(twin)).Msg("resolver ownership lost; stopping")
				w.cancel()
				return
			}
		}
	}
}

func (s *Supervisor) watchIdle(ctx context.Context, w *worker) {
	ticker := time.NewTicker(s.cfg.IdleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.resolver.Halted() != nil {
				continue
			}
			pending, err := s.deps.Log.Pending(ctx, w.resolver.Twin())
			if err == nil && len(pending) == 0 {
				w.cancel()
				return
			}
		}
	}
}

// Resume clears a halted resolver running in this process.
func (s *Supervisor) Resume(twin types.TwinID) error {
	s.mu.Lock()
	w, ok := s.workers[twin]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("resolver for %s is not running on this instance: %w", twin, types.ErrNotFound)
	}
	w.resolver.Resume()
	return nil
}

// Halted returns the halt reason of twin's resolver, if it runs here.
func (s *Supervisor) Halted(twin types.TwinID) error {
	s.mu.Lock()
	w, ok := s.workers[twin]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return w.resolver.Halted()
}

// Running lists twins resolved by this instance.
func (s *Supervisor) Running() []types.TwinID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TwinID, 0, len(s.workers))
	for twin := range s.workers {
		out = append(out, twin)
	}
	return out
}

func ownershipKey(twin types.TwinID) string {
	return fmt.Sprintf("resolver:%s", twin)
}
