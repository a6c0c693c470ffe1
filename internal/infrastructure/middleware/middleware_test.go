package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	viewerToken, err := auth.GenerateToken("u1", "guard", domain.RoleViewer)
	require.NoError(t, err)
	adminToken, err := auth.GenerateToken("u2", "chief", domain.RoleAdmin)
	require.NoError(t, err)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/ws", func(c *gin.Context) {
		viewer, ok := ViewerFromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, string(viewer.ID))
	})
	router.GET("/api/streams", RequireRole(auth, domain.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "no token", target: "/ws", want: http.StatusUnauthorized},
		{name: "bad scheme", target: "/ws", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", target: "/ws", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer header", target: "/ws", header: "Bearer " + viewerToken, want: http.StatusOK},
		{name: "query token", target: "/ws?token=" + viewerToken, want: http.StatusOK},
		{name: "viewer denied admin route", target: "/api/streams", header: "Bearer " + viewerToken, want: http.StatusForbidden},
		{name: "admin allowed", target: "/api/streams", header: "Bearer " + adminToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(router, req).Code)
		})
	}
}

func TestAuthMiddleware_DisabledWithoutSecret(t *testing.T) {
	auth := services.NewAuthService("", time.Hour)
	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/api/streams", RequireRole(auth, domain.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/streams", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestErrorHandlerMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "stream unavailable",
			err:      fmt.Errorf("launch: %w", &domain.StreamUnavailableError{Channel: "CAM-1", Details: []string{"flv: 403"}}),
			wantCode: http.StatusBadGateway,
			wantErr:  "STREAM_UNAVAILABLE",
		},
		{name: "not found", err: domain.ErrStreamNotFound, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "session", err: domain.ErrSessionUnavailable, wantCode: http.StatusServiceUnavailable, wantErr: "SESSION_UNAVAILABLE"},
		{name: "unknown", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantErr: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
			router.GET("/x", func(c *gin.Context) { _ = c.Error(tt.err) })

			w := serve(router, httptest.NewRequest(http.MethodGet, "/x", nil))
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(*gin.Context) { panic("bad") })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestTracingMiddleware_RequestID(t *testing.T) {
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(router, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = serve(router, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}
