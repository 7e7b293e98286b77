package playback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/twin-collab/internal/types"
)

func TestHTTPHandlerServesStateAtSequence(t *testing.T) {
	twin := types.TwinID("twin-3")
	base := time.Now().UTC()
	versions := &fakeVersions{versions: []types.Version{
		{Twin: twin, Number: 1, CreatedAt: base, Properties: map[string]types.PropertyMap{"pump": {}}, Watermarks: types.VectorClock{}},
	}}
	log := &fakeLog{ops: []types.Operation{
		resolvedOp(twin, 1, "A", 1, types.OpPropertyChange, "pump", `{"property":"rpm","value":10}`, base),
		resolvedOp(twin, 2, "A", 2, types.OpPropertyChange, "pump", `{"property":"rpm","value":20}`, base),
	}}
	handler := NewHTTPHandler(NewService(log, versions, zeroLogger(), ServiceConfig{}), zeroLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/twins/twin-3/state?at_seq=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AppliedThrough != 1 || resp.Components["pump"]["rpm"] != 10.0 {
		t.Fatalf("unexpected state %+v", resp)
	}
}

func TestHTTPHandlerRejectsBadQueries(t *testing.T) {
	handler := NewHTTPHandler(NewService(&fakeLog{}, &fakeVersions{}, zeroLogger(), ServiceConfig{}), zeroLogger())

	cases := map[string]int{
		"/twins/twin-3/state?at_seq=-1":                             http.StatusBadRequest,
		"/twins/twin-3/state?at_time=yesterday":                     http.StatusBadRequest,
		"/twins/twin-3/state?at_seq=1&at_time=2025-01-01T00:00:00Z": http.StatusBadRequest,
		"/twins/twin-3/history":                                     http.StatusBadRequest,
	}
	for target, want := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", target, want, rec.Code)
		}
	}
}
