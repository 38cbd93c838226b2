package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/bus"
	"github.com/curasync/collab-gateway/internal/v1/pool"
)

type stubDocSyncChecker struct {
	status string
}

func (s *stubDocSyncChecker) Check(context.Context, string) string {
	return s.status
}

func perform(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET(path, handler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, nil, time.Minute, "", false)

	w := perform(t, h.Liveness, "/health/live")
	require.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadinessSingleInstanceMode(t *testing.T) {
	p := pool.New(5)
	p.Register(&pool.Connection{
		SocketID:       "s1",
		Principal:      &auth.Principal{UserID: "alice"},
		Transport:      "websocket",
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	})

	h := NewHandler(nil, p, time.Minute, "", false)

	w := perform(t, h.Readiness, "/health/ready")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
	assert.NotContains(t, resp.Checks, "doc_sync")
	require.NotNil(t, resp.Connections)
	assert.Equal(t, 1, resp.Connections.Total)
}

func TestReadinessWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	h := NewHandler(svc, pool.New(5), time.Minute, "", false)

	w := perform(t, h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	// A dead Redis flips readiness to 503.
	mr.Close()
	w = perform(t, h.Readiness, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["redis"])
}

func TestReadinessDocSyncProbe(t *testing.T) {
	h := NewHandler(nil, nil, time.Minute, "doc-sync:50051", true)
	h.docSyncChecker = &stubDocSyncChecker{status: "healthy"}

	w := perform(t, h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	h.docSyncChecker = &stubDocSyncChecker{status: "unhealthy"}
	w = perform(t, h.Readiness, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Checks["doc_sync"])
	assert.Equal(t, "healthy", resp.Checks["redis"])
}
