package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const maxRateLimitEntries = 100000

// RateLimiter is a per-client sliding window limiter. The client is the request's
// RemoteAddr, so it belongs behind chi's RealIP.
type RateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	store map[string][]time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		store:  make(map[string][]time.Time),
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, resetIn := rl.check(clientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetIn))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "Too many requests. Please slow down.",
				"resetIn": resetIn,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) check(ip string) (allowed bool, remaining int, resetIn int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	filtered := rl.prune(rl.store[ip], now)

	if len(filtered) >= rl.max {
		resetSec := int(filtered[0].Add(rl.window).Sub(now).Seconds()) + 1
		rl.store[ip] = filtered
		return false, 0, resetSec
	}

	if _, known := rl.store[ip]; !known && len(rl.store) >= maxRateLimitEntries {
		return false, 0, int(rl.window.Seconds())
	}

	filtered = append(filtered, now)
	rl.store[ip] = filtered
	return true, rl.max - len(filtered), 0
}

func (rl *RateLimiter) prune(requests []time.Time, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	filtered := requests[:0]
	for _, t := range requests {
		if t.After(windowStart) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Sweep drops clients with no requests left in the window.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for ip, requests := range rl.store {
		filtered := rl.prune(requests, now)
		if len(filtered) == 0 {
			delete(rl.store, ip)
			removed++
		} else {
			rl.store[ip] = filtered
		}
	}
	return removed
}

func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
