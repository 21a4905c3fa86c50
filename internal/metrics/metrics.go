package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors on a private registry so that
// several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	Ingested          prometheus.Counter
	Rejected          *prometheus.CounterVec
	StoreErrors       *prometheus.CounterVec
	StoreLatency      *prometheus.HistogramVec
	InferenceFallback prometheus.Counter
	BroadcastSent     prometheus.Counter
	BroadcastDropped  prometheus.Counter
	Subscribers       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bms_samples_ingested_total",
			Help: "Samples accepted and written to the store.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bms_samples_rejected_total",
			Help: "Samples rejected by validation.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bms_store_errors_total",
			Help: "Failed sample store operations.",
		}, []string{"op"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bms_store_latency_seconds",
			Help:    "Latency of sample store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		InferenceFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bms_inference_fallback_total",
			Help: "Charging inferences that fell back to the default after a history read failure.",
		}),
		BroadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bms_broadcast_sent_total",
			Help: "Sample messages queued for live subscribers.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bms_broadcast_dropped_total",
			Help: "Sample messages dropped because a subscriber queue was full.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bms_subscribers",
			Help: "Currently connected live subscribers.",
		}),
	}

	m.registry.MustRegister(
		m.Ingested,
		m.Rejected,
		m.StoreErrors,
		m.StoreLatency,
		m.InferenceFallback,
		m.BroadcastSent,
		m.BroadcastDropped,
		m.Subscribers,
	)
	return m
}

// ObserveStore records the outcome of one store call started at begin.
func (m *Metrics) ObserveStore(op string, begin time.Time, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.WithLabelValues(op).Observe(time.Since(begin).Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
