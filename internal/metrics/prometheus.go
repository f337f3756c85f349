package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromCollectors are the Prometheus series of the sync pipeline
type PromCollectors struct {
	registry *prometheus.Registry

	syncTotal    *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncRetries  prometheus.Histogram
	queueDepth   prometheus.Gauge
	captures     *prometheus.CounterVec
	sinkDropped  prometheus.Counter
}

// NewPromCollectors registers the pipeline collectors on a private registry
func NewPromCollectors() *PromCollectors {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PromCollectors{
		registry: reg,
		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_erp_sync_total",
			Help: "ERP sync runs by outcome and trigger source",
		}, []string{"outcome", "source"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_erp_sync_duration_seconds",
			Help:    "Wall time of ERP sync runs including backoff",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
		}, []string{"outcome"}),
		syncRetries: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "delivery_erp_sync_retries",
			Help:    "Retry count per ERP sync run",
			Buckets: []float64{0, 1, 2, 3, 5},
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "delivery_sync_queue_depth",
			Help: "Deliveries waiting in the sync queue",
		}),
		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_captures_total",
			Help: "Capture submissions by result",
		}, []string{"result"}),
		sinkDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "delivery_sync_metrics_dropped_total",
			Help: "Sync attempt records dropped because the sink buffer was full",
		}),
	}
}

// Handler serves the collectors in the Prometheus exposition format
func (p *PromCollectors) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (p *PromCollectors) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveCapture counts one capture submission
func (p *PromCollectors) ObserveCapture(result string) {
	p.captures.WithLabelValues(result).Inc()
}

// SetQueueDepth publishes the sync queue length
func (p *PromCollectors) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}
