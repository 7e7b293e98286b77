// Package observability bootstraps Prometheus and OpenTelemetry and carries
// trace context into zerolog loggers.
package observability

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners.
type Config struct {
	ServiceName  string
	InstanceID   string
	MetricsAddr  string
	OTLPEndpoint string
	// Ready backs /readyz on the metrics listener when set.
	Ready func(context.Context) error
}

// Telemetry owns the tracer provider and the metrics listener.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	metricsSrv     *http.Server
	logger         zerolog.Logger
}

// Start configures OpenTelemetry tracing and prepares the metrics listener.
// Serve runs the listener; Shutdown flushes spans and stops it.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (*Telemetry, error) {
	t := &Telemetry{logger: logger}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				attribute.String("service.instance.id", cfg.InstanceID),
			)),
		)
		otel.SetTracerProvider(t.tracerProvider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp tracing enabled")
	}

	if cfg.MetricsAddr != "" {
		t.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: MetricsHandler(cfg.Ready)}
	}
	return t, nil
}

// MetricsHandler serves /metrics and, when ready is set, /readyz.
func MetricsHandler(ready func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if ready != nil {
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}
	return mux
}

// Serve blocks running the metrics listener until it is shut down.
func (t *Telemetry) Serve() error {
	if t.metricsSrv == nil {
		return nil
	}
	t.logger.Info().Str("addr", t.metricsSrv.Addr).Msg("metrics server started")
	if err := t.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics listener and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.metricsSrv != nil {
		_ = t.metricsSrv.Shutdown(ctx)
	}
	if t.tracerProvider != nil {
		return t.tracerProvider.Shutdown(ctx)
	}
	return nil
}

// LoggerWithTrace attaches trace context to the provided logger when available.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String()).Logger()
}

// RegisterRuntimeCollectors exposes basic Go runtime metrics (goroutines and GC pause).
func RegisterRuntimeCollectors() {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "goroutines",
		Help:      "Number of goroutines in the process.",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	}))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "last_gc_pause_seconds",
		Help:      "Duration of the most recent GC pause.",
	}, func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if len(stats.PauseNs) == 0 {
			return 0
		}
		return float64(stats.PauseNs[(stats.NumGC+255)%256]) / float64(time.Second)
	}))
}
