package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper runs ReclaimStale on a fixed interval, independent of client
// activity.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewReaper constructs a reaper. A non-positive interval defaults to 15s.
func NewReaper(manager *Manager, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{manager: manager, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.manager.ReclaimStale(ctx)
			if err != nil {
				r.logger.Error().Err(err).Msg("stale lease sweep failed")
				continue
			}
			if n > 0 {
				r.logger.Info().Int("reclaimed", n).Msg("stale leases reclaimed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
