package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/twin-collab/internal/lock"
	"github.com/example/twin-collab/internal/oplog"
	"github.com/example/twin-collab/internal/types"
	"github.com/example/twin-collab/internal/version"
)

type registerRequest struct {
	Twin         types.TwinID                 `json:"twin_id"`
	Organization string                       `json:"organization_id"`
	Author       types.HolderID               `json:"author"`
	Properties   map[string]types.PropertyMap `json:"properties"`
}

type registerResponse struct {
	types.Twin
	Created bool `json:"created"`
}

func (s *server) registerTwin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	twin, created, err := s.deps.Versions.Register(r.Context(), version.RegisterRequest{
		Twin:         req.Twin,
		Organization: req.Organization,
		Author:       req.Author,
		Properties:   req.Properties,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResponse{Twin: twin, Created: created})
}

type acquireRequest struct {
	Holder  types.HolderID  `json:"holder_id"`
	Session types.SessionID `json:"session_id"`
	Paths   []string        `json:"paths"`
	Kind    types.LockKind  `json:"lock_kind"`
	TTLMs   int64           `json:"ttl_ms"`
}

func (s *server) acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.TTLMs < 0 {
		writeError(w, s.logger, badRequest("ttl_ms must not be negative"))
		return
	}
	paths := make([]types.ComponentPath, len(req.Paths))
	for i, p := range req.Paths {
		paths[i] = types.ComponentPath(p)
	}
	lease, err := s.deps.Locks.Acquire(r.Context(), lock.AcquireRequest{
		Twin:    TwinParam(r),
		Holder:  req.Holder,
		Session: req.Session,
		Paths:   paths,
		Kind:    req.Kind,
		TTL:     time.Duration(req.TTLMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, lease)
}

func (s *server) listLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.deps.Locks.ActiveLeases(r.Context(), TwinParam(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if leases == nil {
		leases = []types.Lease{}
	}
	writeJSON(w, http.StatusOK, leases)
}

func (s *server) heartbeat(w http.ResponseWriter, r *http.Request) {
	lease, err := s.deps.Locks.Heartbeat(r.Context(), types.LeaseID(chi.URLParam(r, "lease")))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *server) release(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Locks.Release(r.Context(), types.LeaseID(chi.URLParam(r, "lease"))); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	ID      types.OperationID   `json:"operation_id"`
	Author  types.HolderID      `json:"author_id"`
	Session types.SessionID     `json:"session_id"`
	Kind    types.OperationKind `json:"operation_kind"`
	Path    string              `json:"component_path"`
	Payload json.RawMessage     `json:"payload"`
	Clock   types.VectorClock   `json:"vector_clock"`
}

type submitResponse struct {
	Position    int64             `json:"position"`
	OperationID types.OperationID `json:"operation_id"`
	Duplicate   bool              `json:"duplicate"`
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	twin := TwinParam(r)
	res, err := s.deps.Log.Append(r.Context(), oplog.Submission{
		ID:      req.ID,
		Twin:    twin,
		Author:  req.Author,
		Session: req.Session,
		Kind:    req.Kind,
		Path:    req.Path,
		Payload: req.Payload,
		Clock:   req.Clock,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if s.deps.Resolvers != nil {
		if err := s.deps.Resolvers.Ensure(r.Context(), twin); err != nil {
			// The entry is durable; the supervisor's discovery pass picks the twin up.
			s.logger.Warn().Err(err).Str("twin", string(twin)).Msg("resolver start deferred")
		}
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Position: res.Position, OperationID: res.OperationID, Duplicate: res.Duplicate})
}

func (s *server) readSince(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, s.logger, badRequest("invalid since %q", raw))
			return
		}
		since = v
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, s.logger, badRequest("invalid limit %q", raw))
			return
		}
		limit = min(v, maxReadLimit)
	}
	ops, err := s.deps.Log.ReadSince(r.Context(), TwinParam(r), since, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if ops == nil {
		ops = []types.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

type snapshotRequest struct {
	Author  types.HolderID `json:"author"`
	Message string         `json:"message"`
}

func (s *server) snapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	v, err := s.deps.Versions.Snapshot(r.Context(), TwinParam(r), req.Author, req.Message)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Versions.History(r.Context(), TwinParam(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *server) getVersion(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "number")
	number, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || number < 1 {
		writeError(w, s.logger, badRequest("invalid version number %q", raw))
		return
	}
	v, err := s.deps.Versions.Get(r.Context(), TwinParam(r), number)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) listTwins(w http.ResponseWriter, r *http.Request) {
	twins, err := s.deps.Versions.Twins(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if twins == nil {
		twins = []types.TwinID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"twins": twins})
}

func (s *server) resume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolvers == nil {
		writeError(w, s.logger, types.ErrNotFound)
		return
	}
	if err := s.deps.Resolvers.Resume(TwinParam(r)); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
