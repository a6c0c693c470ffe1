package http

import (
	"net/http"

	"vmsgate/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthHandler struct {
	checker *monitoring.HealthChecker
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/health", h.Liveness)
	router.GET("/ready", h.Readiness)
}

// Liveness only reports that the process is serving requests.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.Liveness())
}

// Readiness runs every registered check. Only critical failures make it 503.
func (h *HealthHandler) Readiness(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status == monitoring.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// MetricsHandler exposes the metrics gathered by g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
