package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	baseURL string
	twin    string
	timeout time.Duration
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Drive lock contention and edit throughput against a twin-collab server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "addr", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.twin, "twin", "twin-loadtest", "twin id used by all clients")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-request timeout")

	rootCmd.AddCommand(newContendCmd(opts), newApplyCmd(opts))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("loadtest failed")
		os.Exit(1)
	}
}
