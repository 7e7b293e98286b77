// Package httpapi exposes the coordination core over HTTP.
package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/lock"
	"github.com/example/twin-collab/internal/observability"
	"github.com/example/twin-collab/internal/oplog"
	"github.com/example/twin-collab/internal/types"
	"github.com/example/twin-collab/internal/version"
)

const maxReadLimit = 1000

// Locks is the Lock Manager surface served over HTTP.
type Locks interface {
	Acquire(ctx context.Context, req lock.AcquireRequest) (types.Lease, error)
	Heartbeat(ctx context.Context, id types.LeaseID) (types.Lease, error)
	Release(ctx context.Context, id types.LeaseID) error
	ActiveLeases(ctx context.Context, twin types.TwinID) ([]types.Lease, error)
}

// Log is the Operation Log surface served over HTTP.
type Log interface {
	Append(ctx context.Context, sub oplog.Submission) (oplog.AppendResult, error)
	ReadSince(ctx context.Context, twin types.TwinID, position int64, limit int) ([]types.Operation, error)
}

// Versions is the Version Manager surface served over HTTP.
type Versions interface {
	Register(ctx context.Context, req version.RegisterRequest) (types.Twin, bool, error)
	Snapshot(ctx context.Context, twin types.TwinID, author types.HolderID, message string) (types.Version, error)
	History(ctx context.Context, twin types.TwinID) ([]types.Version, error)
	Get(ctx context.Context, twin types.TwinID, number int64) (types.Version, error)
	Twins(ctx context.Context) ([]types.TwinID, error)
}

// Resolvers starts and resumes per-twin resolvers.
type Resolvers interface {
	Ensure(ctx context.Context, twin types.TwinID) error
	Resume(twin types.TwinID) error
}

// Deps wires the core into the router. Playback, Gateway and Health are
// optional.
type Deps struct {
	Locks     Locks
	Log       Log
	Versions  Versions
	Resolvers Resolvers
	Playback  http.Handler
	Gateway   http.Handler
	Health    func(context.Context) error
	Logger    zerolog.Logger
}

type server struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(deps Deps) http.Handler {
	s := &server{deps: deps, logger: deps.Logger}
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", s.health)
	r.Post("/twins", s.registerTwin)
	r.Get("/twins", s.listTwins)
	r.Route("/twins/{twin}", func(r chi.Router) {
		r.Post("/leases", s.acquire)
		r.Get("/leases", s.listLeases)
		r.Post("/operations", s.submit)
		r.Get("/operations", s.readSince)
		r.Post("/versions", s.snapshot)
		r.Get("/versions", s.history)
		r.Get("/versions/{number}", s.getVersion)
		r.Post("/resolver/resume", s.resume)
		if deps.Playback != nil {
			r.Method(http.MethodGet, "/state", deps.Playback)
		}
	})
	r.Post("/leases/{lease}/heartbeat", s.heartbeat)
	r.Delete("/leases/{lease}", s.release)
	if deps.Gateway != nil {
		r.Method(http.MethodGet, "/ws", deps.Gateway)
	}
	return r
}

func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		requestLatency.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		logger := observability.LoggerWithTrace(r.Context(), s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes websocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeError(w, s.logger, types.StoreError("health", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TwinParam returns the {twin} route parameter.
func TwinParam(r *http.Request) types.TwinID {
	return types.TwinID(chi.URLParam(r, "twin"))
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
