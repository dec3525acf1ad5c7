// Package ratelimit guards the authentication endpoints with a sliding
// window per client key and an escalating hard block per IP.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultStaleAfter = 10 * time.Minute
	defaultBlockFor   = time.Hour
	defaultSweepEvery = time.Minute
)

var ErrRateLimited = errors.New("rate limited")

// BlockedError is returned while an IP is under a hard block.
type BlockedError struct {
	Until time.Time
}

func (e BlockedError) Error() string {
	return "ip temporarily blocked"
}

// Limiter counts requests per key inside a trailing window. A key is usually
// the client IP, optionally composed with a user identity via Key. When a
// single window accumulates twice the allowed volume, the whole IP is
// blocked for an hour regardless of key or endpoint.
//
// State is process-local; running more than one instance needs an external
// shared store behind the same operations.
type Limiter struct {
	mu         sync.Mutex
	hitsByKey  map[string][]time.Time
	blockedIPs map[string]time.Time
	staleAfter time.Duration
	blockFor   time.Duration
	nowFn      func() time.Time
}

func New() *Limiter {
	return &Limiter{
		hitsByKey:  make(map[string][]time.Time),
		blockedIPs: make(map[string]time.Time),
		staleAfter: defaultStaleAfter,
		blockFor:   defaultBlockFor,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Test hook.
func (l *Limiter) WithClock(nowFn func() time.Time) *Limiter {
	l.nowFn = nowFn
	return l
}

// Key composes a per-user rate key from the client IP and a user identity.
func Key(ip, user string) string {
	if user == "" {
		return ip
	}
	return ip + "|" + user
}

// Check records one request for key and reports whether it is allowed.
// A blocked IP is rejected before the window is even consulted.
func (l *Limiter) Check(key, ip string, maxRequests int, window time.Duration) error {
	now := l.nowFn()
	threshold := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.blockedIPs[ip]; ok {
		if now.Before(until) {
			return BlockedError{Until: until}
		}
		delete(l.blockedIPs, ip)
	}

	hits := l.hitsByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	filtered = append(filtered, now)
	l.hitsByKey[key] = filtered

	if len(filtered) >= 2*maxRequests {
		until := now.Add(l.blockFor)
		l.blockedIPs[ip] = until
		return BlockedError{Until: until}
	}

	if len(filtered) > maxRequests {
		return ErrRateLimited
	}

	return nil
}

// RetryAfter returns how long the caller should wait before retrying key.
func (l *Limiter) RetryAfter(key string, window time.Duration) time.Duration {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitsByKey[key]
	if len(hits) == 0 {
		return time.Second
	}

	retryAfter := hits[0].Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return retryAfter
}

// Sweep purges stale timestamps and expired blocks. Advisory; Check
// re-filters by window age on every call.
func (l *Limiter) Sweep() {
	now := l.nowFn()
	threshold := now.Add(-l.staleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, hits := range l.hitsByKey {
		if len(hits) == 0 || hits[len(hits)-1].Before(threshold) {
			delete(l.hitsByKey, key)
		}
	}
	for ip, until := range l.blockedIPs {
		if !now.Before(until) {
			delete(l.blockedIPs, ip)
		}
	}
}

// Run sweeps on a fixed interval until ctx is cancelled, then clears state.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.hitsByKey = make(map[string][]time.Time)
			l.blockedIPs = make(map[string]time.Time)
			l.mu.Unlock()
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware applies the limiter to an endpoint, keyed by client IP.
func (l *Limiter) Middleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		if err := l.Check(ip, ip, maxRequests, window); err != nil {
			retryAfter := l.RetryAfter(ip, window)
			var blocked BlockedError
			if errors.As(err, &blocked) {
				retryAfter = time.Until(blocked.Until)
			}
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"detail":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating client IP, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}
