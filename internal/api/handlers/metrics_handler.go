package handlers

import (
	"net/http"
	"runtime"

	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/gin-gonic/gin"
)

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	prom    *metrics.PromCollectors
	tracer  tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler. prom may be nil.
func NewMetricsHandler(m *metrics.Metrics, prom *metrics.PromCollectors, tracer tracing.Tracer) *MetricsHandler {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &MetricsHandler{metrics: m, prom: prom, tracer: tracer}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck returns 503 when any component reports unhealthy
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	checks := h.metrics.GetHealthChecks()

	healthy := true
	for _, ok := range checks {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": checks,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
	if h.prom != nil {
		router.GET("/metrics/prometheus", gin.WrapH(h.prom.Handler()))
	}
}
