package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newContendCmd(opts *options) *cobra.Command {
	var (
		sessions int
		rounds   int
		hold     time.Duration
		path     string
	)
	cmd := &cobra.Command{
		Use:   "contend",
		Short: "Race sessions for an exclusive lease on one path and check that grants never overlap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runContend(cmd.Context(), opts, sessions, rounds, hold, path)
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 50, "number of competing sessions")
	cmd.Flags().IntVar(&rounds, "rounds", 20, "acquire attempts per session")
	cmd.Flags().DurationVar(&hold, "hold", 20*time.Millisecond, "how long a winner holds the lease")
	cmd.Flags().StringVar(&path, "path", "assembly/pump", "component path contended for")
	return cmd
}

func runContend(ctx context.Context, opts *options, sessions, rounds int, hold time.Duration, path string) error {
	client := newAPIClient(opts.baseURL, opts.timeout)
	logger := log.With().Str("twin", opts.twin).Str("mode", "contend").Logger()
	if err := client.register(ctx, opts.twin); err != nil {
		return fmt.Errorf("register twin: %w", err)
	}

	var (
		holders   atomic.Int32
		overlaps  atomic.Int64
		granted   atomic.Int64
		conflicts atomic.Int64
		failures  atomic.Int64
		wg        sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			holder := fmt.Sprintf("user-%d", id)
			session := fmt.Sprintf("session-%d", id)
			for r := 0; r < rounds && ctx.Err() == nil; r++ {
				l, err := client.acquire(ctx, opts.twin, holder, session, "exclusive", []string{path})
				var apiErr *apiError
				switch {
				case errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict:
					conflicts.Add(1)
					continue
				case err != nil:
					failures.Add(1)
					logger.Warn().Err(err).Str("session", session).Msg("acquire failed")
					continue
				}
				granted.Add(1)
				if holders.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(hold)
				holders.Add(-1)
				if err := client.release(ctx, l.ID); err != nil {
					failures.Add(1)
					logger.Warn().Err(err).Str("lease", l.ID).Msg("release failed")
				}
			}
		}(i)
	}
	wg.Wait()

	logger.Info().
		Int64("granted", granted.Load()).
		Int64("conflicts", conflicts.Load()).
		Int64("failures", failures.Load()).
		Int64("overlaps", overlaps.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("contention run finished")
	if overlaps.Load() > 0 {
		return fmt.Errorf("observed %d overlapping exclusive grants", overlaps.Load())
	}
	return nil
}
