package edge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCenter is a minimal stand-in for the central API, recording what the
// node sends it.
type fakeCenter struct {
	mu          sync.Mutex
	detections  []json.RawMessage
	completions []int
	rejectAll   bool
}

func (f *fakeCenter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/detections", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectAll {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Payload json.RawMessage `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.detections = append(f.detections, req.Payload)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/api/nodes/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TransmittedCount int `json:"transmitted_count"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.completions = append(f.completions, req.TransmittedCount)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeCenter) received() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.detections...)
}

func (f *fakeCenter) completed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.completions...)
}

func newEdgeTestServer(t *testing.T) (*gin.Engine, *fakeCenter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	center := &fakeCenter{}
	ts := httptest.NewServer(center.handler())
	t.Cleanup(ts.Close)

	store := newTestStore(t)
	client := NewCenterClient(ts.URL, "edge-1", time.Second)
	ctrl := NewController(store, discardLogger())
	srv := NewServer(ctrl, store, client, noSleep(), discardLogger())
	return srv.Router(), center
}

func edgePost(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func edgeGet(t *testing.T, router *gin.Engine, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestDetectForwardsWhenNotBlackedOut(t *testing.T) {
	router, center := newEdgeTestServer(t)

	w := edgePost(t, router, "/detect", map[string]any{"class": "vehicle"})
	require.Equal(t, http.StatusOK, w.Code)

	received := center.received()
	require.Len(t, received, 1)
	assert.JSONEq(t, `{"class":"vehicle"}`, string(received[0]))
}

func TestDetectQueuesDuringBlackout(t *testing.T) {
	router, center := newEdgeTestServer(t)

	w := edgePost(t, router, "/blackout/activate", map[string]any{"episode_id": 3})
	require.Equal(t, http.StatusOK, w.Code)

	// Double activation conflicts.
	w = edgePost(t, router, "/blackout/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	for i := 0; i < 3; i++ {
		w = edgePost(t, router, "/detect", map[string]any{"seq": i})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	// Network silence: nothing reached the center.
	assert.Empty(t, center.received())

	health := edgeGet(t, router, "/health")
	assert.Equal(t, true, health["blackout_active"])
	assert.EqualValues(t, 3, health["queued_count"])

	status := edgeGet(t, router, "/blackout/status")
	assert.Equal(t, true, status["active"])
	assert.EqualValues(t, 3, status["episode_id"])
}

func TestDeactivateRunsReconciliation(t *testing.T) {
	router, center := newEdgeTestServer(t)

	edgePost(t, router, "/blackout/activate", map[string]any{"episode_id": 9})
	for i := 0; i < 3; i++ {
		edgePost(t, router, "/detect", map[string]any{"seq": i})
	}

	w := edgePost(t, router, "/blackout/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status string       `json:"status"`
		Burst  *BurstResult `json:"burst"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "blackout_deactivated", resp.Status)
	require.NotNil(t, resp.Burst)
	assert.Equal(t, "success", resp.Burst.Status)
	assert.Len(t, resp.Burst.TransmittedIDs, 3)

	// All three made it to the center, in order, and the episode was closed.
	received := center.received()
	require.Len(t, received, 3)
	for i, payload := range received {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(payload))
	}
	assert.Equal(t, []int{3}, center.completed())

	// Local queue is empty again.
	health := edgeGet(t, router, "/health")
	assert.Equal(t, false, health["blackout_active"])
	assert.EqualValues(t, 0, health["queued_count"])

	// Deactivating again conflicts.
	w = edgePost(t, router, "/blackout/deactivate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeactivatePartialDelivery(t *testing.T) {
	router, center := newEdgeTestServer(t)

	edgePost(t, router, "/blackout/activate", map[string]any{"episode_id": 4})
	edgePost(t, router, "/detect", map[string]any{"seq": 0})

	center.mu.Lock()
	center.rejectAll = true
	center.mu.Unlock()

	w := edgePost(t, router, "/blackout/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Burst *BurstResult `json:"burst"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Burst)
	assert.Equal(t, "partial", resp.Burst.Status)
	assert.Len(t, resp.Burst.FailedIDs, 1)

	// The rejected detection stays queued for a later pass.
	health := edgeGet(t, router, "/health")
	assert.EqualValues(t, 1, health["queued_count"])
}

func TestDetectBadGatewayWhenCenterDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)
	client := NewCenterClient("http://127.0.0.1:1", "edge-1", 200*time.Millisecond)
	ctrl := NewController(store, discardLogger())
	router := NewServer(ctrl, store, client, noSleep(), discardLogger()).Router()

	w := edgePost(t, router, "/detect", map[string]any{"seq": 0})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
