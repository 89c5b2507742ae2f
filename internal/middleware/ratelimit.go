// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package middleware

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the handshake rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per client IP.
	RequestsPerMinute int

	// BurstSize is the maximum burst above the sustained rate.
	BurstSize int

	// CleanupInterval is how often stale client entries are dropped.
	CleanupInterval time.Duration

	// Logger for rate limit denials. Optional.
	Logger *log.Logger
}

// DefaultRateLimitConfig returns defaults sized for the handshake
// endpoint, which mints sessions and is the only unauthenticated write.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

// allowance is the refillable budget of one client IP.
type allowance struct {
	remaining float64
	touched   time.Time
}

// RateLimiter throttles requests per client IP. Each client holds a
// budget of BurstSize requests refilling at RequestsPerMinute; the
// refill is applied lazily on access, so idle entries cost nothing
// until the janitor drops them.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	clients map[string]*allowance
	done    chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its janitor goroutine.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg,
		clients: make(map[string]*allowance),
		done:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Stop terminates the janitor goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Middleware returns an HTTP middleware that enforces the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !rl.take(ip, time.Now()) {
			rl.logf("rate limit exceeded for client=%s path=%s", ip, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take spends one unit of the client's budget, refilling it for the
// time elapsed since the last request first. Returns false when the
// budget is exhausted.
func (rl *RateLimiter) take(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.clients[ip]
	if !ok {
		a = &allowance{remaining: float64(rl.cfg.BurstSize)}
		rl.clients[ip] = a
	} else {
		refill := now.Sub(a.touched).Minutes() * float64(rl.cfg.RequestsPerMinute)
		a.remaining += refill
		if full := float64(rl.cfg.BurstSize); a.remaining > full {
			a.remaining = full
		}
	}
	a.touched = now

	if a.remaining < 1 {
		return false
	}
	a.remaining--
	return true
}

// janitor periodically drops client entries idle long enough to have
// refilled to a full budget anyway.
func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-2 * rl.cfg.CleanupInterval)
			rl.mu.Lock()
			for ip, a := range rl.clients {
				if a.touched.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// getClientIP extracts the client IP, preferring proxy headers over the
// raw remote address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (rl *RateLimiter) logf(format string, args ...any) {
	if rl.cfg.Logger != nil {
		rl.cfg.Logger.Printf("[ratelimit] "+format, args...)
	}
}
