package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the limiter prunes idle entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	// rateLimitIdle is how long an IP must be quiet before its bucket
	// can be pruned. A pruned bucket is recreated full.
	rateLimitIdle = 10 * time.Minute
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter is a per-IP token bucket.
type ipRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// newIPRateLimiter returns a limiter allowing rps requests per second per
// IP with the given burst. A non-positive rps disables limiting.
func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	if burst < 1 {
		burst = 1
	}

	return &ipRateLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// allow reports whether a request from ip may proceed.
func (rl *ipRateLimiter) allow(ip string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if len(rl.buckets) > rateLimitPruneThreshold {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rateLimitIdle {
				delete(rl.buckets, k)
			}
		}
	}

	b, ok := rl.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}

	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
