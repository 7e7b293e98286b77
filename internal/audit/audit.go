// Package audit records every lock and operation decision without ever
// blocking the coordination path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Action names an audited decision.
type Action string

const (
	LockGranted       Action = "lock.granted"
	LockDenied        Action = "lock.denied"
	LockReleased      Action = "lock.released"
	LockHeartbeat     Action = "lock.heartbeat"
	LockReclaimed     Action = "lock.reclaimed"
	OperationAccepted Action = "operation.accepted"
	OperationRefused  Action = "operation.refused"
	OperationApplied  Action = "operation.applied"
	OperationRejected Action = "operation.rejected"
	OperationFailed   Action = "operation.failed"
	VersionCreated    Action = "version.created"
	ResolverHalted    Action = "resolver.halted"
)

// Record is one audit entry.
type Record struct {
	Actor   string            `json:"actor"`
	Action  Action            `json:"action"`
	Target  string            `json:"target"`
	Success bool              `json:"success"`
	Detail  string            `json:"detail,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Recorder is what the core depends on.
type Recorder interface {
	Record(rec Record)
}

// Discard drops every record.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Record) {}

var droppedRecords = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "audit",
	Name:      "dropped_total",
	Help:      "Audit records dropped because the buffer was full.",
})

var sinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "audit",
	Name:      "sink_failures_total",
	Help:      "Audit records the sink failed to persist.",
})

func init() {
	prometheus.MustRegister(droppedRecords, sinkFailures)
}

// Emitter buffers records and writes them to a sink from a background
// goroutine. Record never blocks: when the buffer is full the record is
// dropped and counted.
type Emitter struct {
	sink   Sink
	logger zerolog.Logger
	queue  chan Record

	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewEmitter constructs an emitter with the given buffer size.
func NewEmitter(sink Sink, buffer int, logger zerolog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{sink: sink, logger: logger, queue: make(chan Record, buffer)}
}

// Start begins draining the buffer until ctx is cancelled or Close is called.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case rec, ok := <-e.queue:
				if !ok {
					return
				}
				e.write(ctx, rec)
			case <-ctx.Done():
				e.drain()
				return
			}
		}
	}()
}

// Record implements Recorder.
func (e *Emitter) Record(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		droppedRecords.Inc()
		return
	}
	select {
	case e.queue <- rec:
	default:
		droppedRecords.Inc()
	}
}

// Close stops accepting records and flushes what is buffered.
func (e *Emitter) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	e.wg.Wait()
}

func (e *Emitter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec, ok := <-e.queue:
			if !ok {
				return
			}
			e.write(ctx, rec)
		default:
			return
		}
	}
}

func (e *Emitter) write(ctx context.Context, rec Record) {
	if err := e.sink.Write(ctx, rec); err != nil {
		sinkFailures.Inc()
		e.logger.Warn().Err(err).Str("action", string(rec.Action)).Str("target", rec.Target).Msg("audit write failed")
	}
}

// LogSink writes audit records as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

// Write implements Sink.
func (s LogSink) Write(_ context.Context, rec Record) error {
	evt := s.Logger.Info().
		Str("actor", rec.Actor).
		Str("action", string(rec.Action)).
		Str("target", rec.Target).
		Bool("success", rec.Success).
		Time("at", rec.At)
	if rec.Detail != "" {
		evt = evt.Str("detail", rec.Detail)
	}
	for k, v := range rec.Fields {
		evt = evt.Str(k, v)
	}
	evt.Msg("audit")
	return nil
}
