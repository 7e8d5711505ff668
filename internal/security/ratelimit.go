package security

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerMinute converts an events-per-minute budget to a rate.Limit.
func PerMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket limiter. Entries idle for longer
// than the TTL are evicted by a background sweep.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientLimiter
	r          rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int
	cancel     context.CancelFunc
}

// NewRateLimiter creates a limiter allowing r events per second per client
// with the given burst. Call Stop to end the sweep goroutine.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxClients: 10000,
		cancel:     cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// Allow reports whether the client identified by key may proceed.
// New clients are refused once maxClients keys are tracked.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.mu.Unlock()
			return false
		}
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.clients[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// UpdateRate swaps the limit parameters. Tracked clients are reset so they
// pick up the new rate on their next request.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.clients = make(map[string]*clientLimiter)
}

// Stop shuts down the sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// Middleware rejects requests from clients over their budget with 429.
// onReject, if non-nil, is called for every rejected request.
func (rl *RateLimiter) Middleware(onReject func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientIP(r.RemoteAddr)) {
				if onReject != nil {
					onReject(r)
				}
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(time.Now())
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.clients {
		if now.Sub(entry.lastSeen) > rl.ttl {
			delete(rl.clients, key)
		}
	}
}

// ClientIP strips the port from a RemoteAddr ("ip:port" -> "ip").
// Addresses without a port are returned unchanged.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
