package version

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/types"
)

const (
	defaultInterval  = time.Minute
	defaultThreshold = int64(200)
)

// Worker periodically snapshots twins whose applied sequence advanced past a
// threshold since their latest version.
type Worker struct {
	manager   *Manager
	interval  time.Duration
	threshold int64
	logger    zerolog.Logger
}

// NewWorker constructs a snapshot worker; non-positive values use defaults.
func NewWorker(manager *Manager, interval time.Duration, threshold int64, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Worker{manager: manager, interval: interval, threshold: threshold, logger: logger}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce inspects every registered twin once and returns how many versions
// it created.
func (w *Worker) RunOnce(ctx context.Context) int {
	twins, err := w.manager.Twins(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list twins for snapshot")
		return 0
	}
	created := 0
	for _, twin := range twins {
		ok, err := w.processTwin(ctx, twin)
		if err != nil {
			w.logger.Error().Err(err).Str("twin", string(twin)).Msg("snapshot emission failed")
			continue
		}
		if ok {
			created++
		}
	}
	return created
}

func (w *Worker) processTwin(ctx context.Context, twin types.TwinID) (bool, error) {
	latest, err := w.manager.repo.LatestVersion(ctx, twin)
	if err != nil {
		return false, fmt.Errorf("lookup latest version: %w", err)
	}
	_, applied, err := w.manager.log.Watermarks(ctx, twin)
	if err != nil {
		return false, fmt.Errorf("read apply sequence: %w", err)
	}
	if applied-latest.AppliedThrough < w.threshold {
		return false, nil
	}
	msg := fmt.Sprintf("automatic snapshot through apply sequence %d", applied)
	if _, err := w.manager.Snapshot(ctx, twin, SystemAuthor, msg); err != nil {
		return false, err
	}
	return true, nil
}
