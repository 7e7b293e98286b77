package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/types"
)

type errorBody struct {
	Error    string        `json:"error"`
	Code     string        `json:"code"`
	Conflict *conflictBody `json:"conflict,omitempty"`
	Rule     string        `json:"rule,omitempty"`
}

type conflictBody struct {
	Lease   types.LeaseID       `json:"lease_id,omitempty"`
	Holder  types.HolderID      `json:"holder_id,omitempty"`
	Session types.SessionID     `json:"session_id,omitempty"`
	Kind    types.LockKind      `json:"lock_kind,omitempty"`
	Path    types.ComponentPath `json:"path"`
	Reason  string              `json:"reason,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrLeaseExpired):
		return http.StatusGone, "lease_expired"
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, types.ErrLockViolation):
		return http.StatusConflict, "lock_violation"
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, types.ErrCorruption), errors.Is(err, types.ErrResolverHalted):
		return http.StatusInternalServerError, "corruption"
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code}

	var conflict *types.ConflictError
	if errors.As(err, &conflict) {
		body.Conflict = &conflictBody{
			Lease:   conflict.Lease,
			Holder:  conflict.Holder,
			Session: conflict.Session,
			Kind:    conflict.Kind,
			Path:    conflict.Path,
			Reason:  conflict.Reason,
		}
	}
	var rejection *types.RejectionError
	if errors.As(err, &rejection) {
		body.Rule = rejection.Rule
		if rejection.Session != "" {
			body.Conflict = &conflictBody{Holder: rejection.Holder, Session: rejection.Session, Path: rejection.Path}
		}
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("decode request body: %v", err)
	}
	return nil
}
