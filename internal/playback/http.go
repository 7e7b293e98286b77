package playback

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twin-collab/internal/types"
)

// TwinFromPath extracts the twin from /twins/{twin}/state. Routers that
// already captured the parameter can supply their own extractor.
func TwinFromPath(r *http.Request) types.TwinID {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "twins" || parts[2] != "state" {
		return ""
	}
	return types.TwinID(parts[1])
}

// HTTPHandler serves reconstructed twin state as of an apply sequence or an
// instant.
type HTTPHandler struct {
	svc    *Service
	logger zerolog.Logger
	twin   func(*http.Request) types.TwinID
}

// NewHTTPHandler builds the handler for GET /twins/{twin}/state.
func NewHTTPHandler(svc *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger, twin: TwinFromPath}
}

// WithTwinExtractor replaces the path parsing used to find the twin.
func (h *HTTPHandler) WithTwinExtractor(fn func(*http.Request) types.TwinID) *HTTPHandler {
	h.twin = fn
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	req, err := parseRequest(r, h.twin(r))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.svc.StateAt(r.Context(), req)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("twin", string(req.Twin)).Msg("playback failed")
		}
		writeProblem(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func parseRequest(r *http.Request, twin types.TwinID) (Request, error) {
	if twin == "" {
		return Request{}, errors.New("twin is required")
	}
	q := r.URL.Query()
	rawSeq, rawTime := q.Get("at_seq"), q.Get("at_time")
	if rawSeq != "" && rawTime != "" {
		return Request{}, errors.New("at_seq and at_time are mutually exclusive")
	}

	req := Request{Twin: twin}
	if rawSeq != "" {
		seq, err := strconv.ParseInt(rawSeq, 10, 64)
		if err != nil || seq < 0 {
			return Request{}, fmt.Errorf("invalid at_seq %q", rawSeq)
		}
		req.ApplySeq = seq
	}
	if rawTime != "" {
		at, err := time.Parse(time.RFC3339Nano, rawTime)
		if err != nil {
			return Request{}, fmt.Errorf("invalid at_time %q", rawTime)
		}
		req.AtTime = &at
	}
	return req, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
