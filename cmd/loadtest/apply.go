package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type frame struct {
	Type      string `json:"type"`
	Operation string `json:"operation_id"`
}

func newApplyCmd(opts *options) *cobra.Command {
	var (
		listeners int
		ops       int
		interval  time.Duration
		target    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit edits under a shared lease and measure submit-to-applied latency seen by websocket listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd.Context(), opts, listeners, ops, interval, target)
		},
	}
	cmd.Flags().IntVar(&listeners, "listeners", 100, "number of websocket listeners")
	cmd.Flags().IntVar(&ops, "ops", 200, "number of operations to submit")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "delay between submissions")
	cmd.Flags().DurationVar(&target, "target", 250*time.Millisecond, "latency target reported against")
	return cmd
}

func runApply(ctx context.Context, opts *options, listeners, ops int, interval, target time.Duration) error {
	client := newAPIClient(opts.baseURL, opts.timeout)
	logger := log.With().Str("twin", opts.twin).Str("mode", "apply").Logger()
	if err := client.register(ctx, opts.twin); err != nil {
		return fmt.Errorf("register twin: %w", err)
	}

	session := "loadtest-" + uuid.NewString()
	l, err := client.acquire(ctx, opts.twin, "loadtest", session, "shared", []string{"loadtest"})
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := client.release(context.Background(), l.ID); err != nil {
			logger.Warn().Err(err).Msg("release failed")
		}
	}()

	wsURL, err := websocketURL(opts.baseURL, opts.twin)
	if err != nil {
		return err
	}

	var sent sync.Map
	latencies := make(chan time.Duration, listeners*ops)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	var wg sync.WaitGroup
	for i := 0; i < listeners; i++ {
		conn, _, err := dialer.DialContext(runCtx, wsURL(fmt.Sprintf("listener-%d", i)), nil)
		if err != nil {
			return fmt.Errorf("dial listener %d: %w", i, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			readFrames(runCtx, conn, &sent, latencies, logger)
		}()
	}

	for seq := 1; seq <= ops && ctx.Err() == nil; seq++ {
		id := uuid.NewString()
		sent.Store(id, time.Now())
		err := client.submit(ctx, opts.twin, map[string]any{
			"operation_id":   id,
			"author_id":      "loadtest",
			"session_id":     session,
			"operation_kind": "property_change",
			"component_path": "loadtest",
			"payload":        map[string]any{"property": "counter", "value": seq},
			"vector_clock":   map[string]uint64{session: uint64(seq)},
		})
		if err != nil {
			return fmt.Errorf("submit %d: %w", seq, err)
		}
		time.Sleep(interval)
	}

	// Give the resolver time to drain before closing listeners.
	time.Sleep(2 * time.Second)
	cancel()
	wg.Wait()
	close(latencies)
	report(latencies, target, logger)
	return nil
}

func websocketURL(base, twin string) (func(session string) string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	return func(session string) string {
		q := url.Values{}
		q.Set("twin_id", twin)
		q.Set("session_id", session)
		q.Set("holder_id", session)
		withQuery := *u
		withQuery.RawQuery = q.Encode()
		return withQuery.String()
	}, nil
}

func readFrames(ctx context.Context, conn *websocket.Conn, sent *sync.Map, latencies chan<- time.Duration, logger zerolog.Logger) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if f.Type != "operation_applied" {
			continue
		}
		if at, ok := sent.Load(f.Operation); ok {
			select {
			case latencies <- time.Since(at.(time.Time)):
			default:
			}
		}
	}
}

func report(samples <-chan time.Duration, target time.Duration, logger zerolog.Logger) {
	var count, within int
	var total, max time.Duration
	for d := range samples {
		count++
		total += d
		if d > max {
			max = d
		}
		if d < target {
			within++
		}
	}
	if count == 0 {
		logger.Warn().Msg("no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := float64(within) / float64(count) * 100
	logger.Info().
		Int("samples", count).
		Dur("avg", avg).
		Dur("max", max).
		Float64("within_target_pct", pct).
		Msg("apply run finished")
	if pct < 95 {
		logger.Warn().Dur("target", target).Msg("less than 95% of applied events met the latency target")
	}
}
