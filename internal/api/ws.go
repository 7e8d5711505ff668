package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/etagchat/internal/chat"
	"github.com/cortexuvula/etagchat/internal/security"
)

// envelope is the only part of an inbound frame the gateway inspects.
// The frame itself is rebroadcast untouched.
type envelope struct {
	Event string `json:"event"`
}

// handleWS upgrades the request and relays matching events to every
// registered listener, the sender included, until the connection ends.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()
	clientIP := security.ClientIP(r.RemoteAddr)

	if cfg.Security.RateLimit.Enabled && h.ConnLimiter != nil && !h.ConnLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "client_ip", clientIP)
		if h.Metrics != nil {
			h.Metrics.RateLimitedTotal.WithLabelValues("connection").Inc()
		}
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if !h.tryAcquire(cfg.Security.MaxConnections) {
		slog.Warn("max connections reached", "current", h.ListenerCount(), "max", cfg.Security.MaxConnections)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	// Server read/write timeouts must not apply to a long-lived connection.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Chat.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Chat.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}
	defer closeConn(websocket.StatusNormalClosure, "")

	// Going-away close frame on drain makes Read below return.
	stopDrain := context.AfterFunc(h.drainCtx, func() {
		closeConn(websocket.StatusGoingAway, "server shutting down")
	})
	defer stopDrain()

	id := uuid.NewString()
	listener := h.Hub.Register(id, conn)
	defer h.Hub.Unregister(id)

	start := time.Now()
	slog.Info("listener connected", "listener_id", id, "client_ip", clientIP, "listeners", h.Hub.Count())

	go func() {
		defer cancel()
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, chat.ErrListenerClosed) {
			slog.Debug("listener write loop stopped", "listener_id", id, "reason", err)
		}
	}()

	if cfg.Chat.PingInterval > 0 {
		go keepAlive(ctx, conn, cfg.Chat.PingInterval, cfg.Chat.PongTimeout, cancel)
	}

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	h.relay(ctx, conn, id, cfg.Chat.BroadcastEvent, msgLimiter)

	slog.Info("listener disconnected", "listener_id", id, "client_ip", clientIP, "duration", time.Since(start).String())
}

// relay reads frames from conn and broadcasts the ones carrying event.
// msgLimiter is optional.
func (h *Handler) relay(ctx context.Context, conn *websocket.Conn, id, event string, msgLimiter *rate.Limiter) {
	for {
		typ, payload, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("read loop stopped", "listener_id", id, "reason", err)
			return
		}

		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "listener_id", id, "reason", err)
				return
			}
		}

		if typ != websocket.MessageText {
			slog.Debug("ignoring binary frame", "listener_id", id, "bytes", len(payload))
			continue
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Debug("ignoring malformed frame", "listener_id", id, "error", err)
			continue
		}
		if env.Event != event {
			slog.Debug("ignoring event", "listener_id", id, "event", env.Event)
			continue
		}

		delivered := h.Hub.Broadcast(payload)
		if h.Metrics != nil {
			h.Metrics.BroadcastsTotal.Inc()
		}
		slog.Debug("event broadcast", "listener_id", id, "event", env.Event, "delivered", delivered)
	}
}

// tryAcquire reserves a connection slot unless limit are already in use.
func (h *Handler) tryAcquire(limit int) bool {
	for {
		cur := h.listeners.Load()
		if cur >= int64(limit) {
			return false
		}
		if h.listeners.CompareAndSwap(cur, cur+1) {
			if h.Metrics != nil {
				h.Metrics.ActiveListeners.Inc()
			}
			return true
		}
	}
}

func (h *Handler) release() {
	h.listeners.Add(-1)
	if h.Metrics != nil {
		h.Metrics.ActiveListeners.Dec()
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and calls onFail.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
