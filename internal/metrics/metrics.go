package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for etagchat.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	WritesTotal        *prometheus.CounterVec
	NotModifiedTotal   prometheus.Counter
	StoreBuckets       prometheus.Gauge
	StoreEntries       prometheus.Gauge
	ActiveListeners    prometheus.Gauge
	BroadcastsTotal    prometheus.Counter
	DroppedFramesTotal prometheus.Counter
	EmbedProbesTotal   *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etagchat_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etagchat_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etagchat_writes_total",
			Help: "Message writes by outcome (created, updated, rejected)",
		}, []string{"outcome"}),
		NotModifiedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "etagchat_not_modified_total",
			Help: "Conditional reads answered with 304",
		}),
		StoreBuckets: f.NewGauge(prometheus.GaugeOpts{
			Name: "etagchat_store_buckets",
			Help: "Timestamp buckets held in memory",
		}),
		StoreEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "etagchat_store_entries",
			Help: "Message entries held in memory",
		}),
		ActiveListeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "etagchat_active_listeners",
			Help: "Connected real-time listeners",
		}),
		BroadcastsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "etagchat_broadcasts_total",
			Help: "Inbound events rebroadcast to listeners",
		}),
		DroppedFramesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "etagchat_dropped_frames_total",
			Help: "Frames dropped because a listener queue was full",
		}),
		EmbedProbesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etagchat_embed_probes_total",
			Help: "Embed liveness checks by result (patched, failed, dropped)",
		}, []string{"result"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "etagchat_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"kind"}),
	}
}
