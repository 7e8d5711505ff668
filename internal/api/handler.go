package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cortexuvula/etagchat/internal/chat"
	"github.com/cortexuvula/etagchat/internal/config"
	"github.com/cortexuvula/etagchat/internal/metrics"
	"github.com/cortexuvula/etagchat/internal/security"
)

// notFoundBody is the fixed payload for unknown routes.
var notFoundBody = errorResponse{
	Message: "The page you are looking for was not found.",
	ID:      "notFound",
}

type errorResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// createdResponse echoes a newly stored entry.
type createdResponse struct {
	Name string `json:"name"`
	Msg  string `json:"msg"`
	Room string `json:"room"`
}

// Handler serves the polling API and the real-time channel.
type Handler struct {
	Engine      *chat.Engine
	Hub         *chat.Hub
	PostLimiter *security.RateLimiter // optional, nil if rate limiting disabled
	ConnLimiter *security.RateLimiter // optional, nil if rate limiting disabled
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled

	// drainCtx is cancelled when the server begins draining. Open
	// WebSocket connections watch it to send a going-away close frame.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	listeners atomic.Int64

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// NewHandler creates a handler over engine and hub.
func NewHandler(cfg *config.Config, engine *chat.Engine, hub *chat.Hub) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Engine:      engine,
		Hub:         hub,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

// StartDrain asks every open WebSocket connection to close.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// ListenerCount returns the number of open WebSocket connections.
func (h *Handler) ListenerCount() int {
	return int(h.listeners.Load())
}

// handleGet answers a conditional read: 304 when the client's validator
// matches, otherwise 200 with the room-filtered messages.
func (h *Handler) handleGet(v chat.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := h.Engine.Read(v, r.Header.Get("If-None-Match"), r.URL.Query().Get("room"))
		if res.NotModified {
			if h.Metrics != nil {
				h.Metrics.NotModifiedTotal.Inc()
			}
			respondMeta(w, http.StatusNotModified, res.Fingerprint)
			return
		}
		respondJSON(w, http.StatusOK, res.Fingerprint, res.Messages)
	}
}

// handleHead runs the same validator comparison as handleGet but never
// writes a body.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	notModified, fp := h.Engine.Head(r.Header.Get("If-None-Match"))
	if notModified {
		if h.Metrics != nil {
			h.Metrics.NotModifiedTotal.Inc()
		}
		respondMeta(w, http.StatusNotModified, fp)
		return
	}
	respondMeta(w, http.StatusOK, fp)
}

// handlePost parses the form body and runs the write path. nameField is the
// form field carrying the participant name.
func (h *Handler) handlePost(v chat.Variant, nameField string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.GetConfig().Server.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			// Malformed or oversized upload: bare 400, no structured body.
			slog.Warn("rejecting unreadable form body", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		res, err := h.Engine.Submit(v, chat.Post{
			Timestamp:   r.PostForm.Get("timeStamp"),
			Participant: r.PostForm.Get(nameField),
			Room:        r.PostForm.Get("room"),
			Body:        r.PostForm.Get("msg"),
		})
		if err != nil {
			var verr *chat.ValidationError
			if errors.As(err, &verr) {
				h.countWrite("rejected")
				respondJSON(w, http.StatusBadRequest, h.Engine.Store().Fingerprint(), errorResponse{
					Message: verr.Message,
					ID:      verr.ID,
				})
				return
			}
			slog.Error("write failed", "path", r.URL.Path, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		h.countWrite(res.Status.String())
		h.updateStoreGauges()

		if res.Status == chat.Updated {
			respondMeta(w, http.StatusNoContent, res.Fingerprint)
			return
		}
		respondJSON(w, http.StatusCreated, res.Fingerprint, createdResponse{
			Name: res.Participant,
			Msg:  res.Body,
			Room: res.Room,
		})
	}
}

// handleNotFound serves every unknown route or method. HEAD gets a bare 404.
func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	fp := h.Engine.Store().Fingerprint()
	if r.Method == http.MethodHead {
		respondMeta(w, http.StatusNotFound, fp)
		return
	}
	respondJSON(w, http.StatusNotFound, fp, notFoundBody)
}

func (h *Handler) countWrite(outcome string) {
	if h.Metrics != nil {
		h.Metrics.WritesTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) updateStoreGauges() {
	if h.Metrics == nil {
		return
	}
	buckets, entries := h.Engine.Store().Stats()
	h.Metrics.StoreBuckets.Set(float64(buckets))
	h.Metrics.StoreEntries.Set(float64(entries))
}

func setHeaders(w http.ResponseWriter, fingerprint string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", fingerprint)
}

// respondJSON writes status with a JSON body.
func respondJSON(w http.ResponseWriter, status int, fingerprint string, body any) {
	setHeaders(w, fingerprint)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		slog.Debug("writing response body failed", "error", err)
	}
}

// respondMeta writes status and headers only. Used for 204, 304 and HEAD.
func respondMeta(w http.ResponseWriter, status int, fingerprint string) {
	setHeaders(w, fingerprint)
	w.WriteHeader(status)
}
