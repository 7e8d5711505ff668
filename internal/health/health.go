package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cortexuvula/etagchat/internal/metrics"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Buckets   int    `json:"buckets"`
	Entries   int    `json:"entries"`
	Listeners int    `json:"listeners"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// StoreStats reports message store size. *chat.Store satisfies it.
type StoreStats interface {
	Stats() (buckets, entries int)
}

// ListenerCounter reports open real-time connections. *chat.Hub satisfies it.
type ListenerCounter interface {
	Count() int
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	store     StoreStats
	listeners ListenerCounter
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	draining  atomic.Bool
}

// NewHandler creates a new health check handler.
func NewHandler(store StoreStats, listeners ListenerCounter, version string) *Handler {
	return &Handler{
		startTime: time.Now(),
		store:     store,
		listeners: listeners,
		version:   version,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetDraining marks the server as shutting down. Subsequent checks report
// "draining" with 503 so load balancers stop routing new clients here.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// ServeHTTP handles health check requests.
// The health listener is separate from the chat listener so local
// monitoring (systemd, Prometheus) can poll it without touching the API.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	buckets, entries := h.store.Stats()
	listeners := h.listeners.Count()

	if h.metrics != nil {
		h.metrics.StoreBuckets.Set(float64(buckets))
		h.metrics.StoreEntries.Set(float64(entries))
	}

	status := "ok"
	httpCode := http.StatusOK
	if h.draining.Load() {
		status = "draining"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:    status,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Buckets:   buckets,
		Entries:   entries,
		Listeners: listeners,
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
