package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cortexuvula/etagchat/internal/chat"
)

// Router builds the public HTTP surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	if h.Metrics != nil {
		r.Use(instrument(h.Metrics))
	}
	r.Use(chimw.RequestID)
	// X-Forwarded-For and X-Real-IP are client-controlled unless a proxy
	// in front of us overwrites them. Rate limits key on the result.
	if h.GetConfig().Server.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.NotFound(h.handleNotFound)
	r.MethodNotAllowed(h.handleNotFound)

	r.Get("/getMessages", h.handleGet(chat.Messages))
	r.Head("/getMessages", h.handleHead)
	r.Get("/getUsers", h.handleGet(chat.Users))
	r.Head("/getUsers", h.handleHead)

	r.Group(func(r chi.Router) {
		if h.PostLimiter != nil {
			r.Use(h.postRateLimit)
		}
		r.Post("/addMsg", h.handlePost(chat.Messages, "username"))
		r.Post("/addUser", h.handlePost(chat.Users, "name"))
	})

	r.Get("/ws", h.handleWS)

	return r
}

// postRateLimit applies PostLimiter while security.rate_limit.enabled is set.
// The flag is read per request so a SIGHUP reload takes effect immediately.
func (h *Handler) postRateLimit(next http.Handler) http.Handler {
	limited := h.PostLimiter.Middleware(func(r *http.Request) {
		if h.Metrics != nil {
			h.Metrics.RateLimitedTotal.WithLabelValues("post").Inc()
		}
	})(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.GetConfig().Security.RateLimit.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}
