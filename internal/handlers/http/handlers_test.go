package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/ports"
	"vmsgate/internal/infrastructure/middleware"
	"vmsgate/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticStreams struct {
	statuses []domain.StreamStatus
}

func (s staticStreams) Acquire(context.Context, string, ports.StreamMember) (domain.StreamHandle, error) {
	return domain.StreamHandle{}, nil
}
func (s staticStreams) Release(string)                           {}
func (s staticStreams) AttachSink(string, ports.FrameSink) error { return nil }
func (s staticStreams) DetachSink(string, string)                {}
func (s staticStreams) Snapshot() []domain.StreamStatus          { return s.statuses }

type fixedCount int

func (n fixedCount) ConnectionCount() int { return int(n) }

type upstreamProbe struct{ err error }

func (p upstreamProbe) Health(context.Context) (map[string]interface{}, error) { return nil, p.err }

type transcoderProbe bool

func (p transcoderProbe) Available() bool { return bool(p) }

func newRouter(streams ports.StreamRegistry, checker *monitoring.HealthChecker) *gin.Engine {
	r := gin.New()
	r.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewHealthHandler(checker).SetupRoutes(r)
	NewStreamHandler(streams, fixedCount(3)).SetupRoutes(r.Group("/api"))
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestStreamHandler_ListStreams(t *testing.T) {
	streams := staticStreams{statuses: []domain.StreamStatus{
		{ID: "CAM-1-a", Channel: "CAM-1", Container: domain.ContainerFLV, Members: 2, Sinks: 2, Running: true, StartedAt: time.Unix(1700000000, 0)},
	}}
	w := get(newRouter(streams, monitoring.NewHealthChecker()), "/api/streams")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Streams     []domain.StreamStatus `json:"streams"`
		Count       int                   `json:"count"`
		Connections int                   `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 3, body.Connections)
	require.Len(t, body.Streams, 1)
	assert.Equal(t, "CAM-1", body.Streams[0].Channel)
	assert.Equal(t, 2, body.Streams[0].Members)
}

func TestStreamHandler_GetStream(t *testing.T) {
	streams := staticStreams{statuses: []domain.StreamStatus{{ID: "CAM-1-a", Channel: "CAM-1"}}}
	r := newRouter(streams, monitoring.NewHealthChecker())

	tests := []struct {
		path string
		want int
	}{
		{path: "/api/streams/CAM-1-a", want: http.StatusOK},
		{path: "/api/streams/CAM-2-b", want: http.StatusNotFound},
		{path: "/api/streams/bad%20id", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(r, tt.path)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHealthHandler_Liveness(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	checker.AddUpstreamCheck(upstreamProbe{err: errors.New("down")}, time.Second)

	w := get(newRouter(staticStreams{}, checker), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHealthHandler_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		upstream   error
		transcoder bool
		wantCode   int
		wantStatus string
	}{
		{name: "ready", transcoder: true, wantCode: http.StatusOK, wantStatus: monitoring.StatusHealthy},
		{name: "degraded without transcoder", wantCode: http.StatusOK, wantStatus: monitoring.StatusDegraded},
		{name: "upstream down", upstream: errors.New("refused"), transcoder: true, wantCode: http.StatusServiceUnavailable, wantStatus: monitoring.StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := monitoring.NewHealthChecker()
			checker.AddUpstreamCheck(upstreamProbe{err: tt.upstream}, time.Second)
			checker.AddTranscoderCheck(transcoderProbe(tt.transcoder))

			w := get(newRouter(staticStreams{}, checker), "/ready")
			assert.Equal(t, tt.wantCode, w.Code)

			var status monitoring.HealthStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Contains(t, status.Checks, "upstream")
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.StreamStarted()

	r := gin.New()
	r.GET("/metrics", MetricsHandler(reg))
	w := get(r, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "vmsgate_streams_active 1"), w.Body.String())
}
