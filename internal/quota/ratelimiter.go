// Package quota enforces per-vault request rate limits.
package quota

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/kevinMEH/web-vault/internal/metrics"
)

// idleTTL is how long an unused vault limiter is kept.
const idleTTL = 10 * time.Minute

// RateLimiter implements per-vault token bucket rate limiting. A vault's
// bucket holds rpm tokens and refills at rpm per minute.
type RateLimiter struct {
	rpm      int
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// vault. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm: rpm,
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](idleTTL),
		),
	}
}

// Start runs expiry of idle limiters until Stop is called. It blocks.
func (rl *RateLimiter) Start() { rl.limiters.Start() }

// Stop ends Start.
func (rl *RateLimiter) Stop() { rl.limiters.Stop() }

func (rl *RateLimiter) limiter(vault string) *rate.Limiter {
	item, _ := rl.limiters.GetOrSet(vault, rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.rpm))
	return item.Value()
}

// Allow checks if a request against vault should be allowed. When it is
// not, retryAfter is the wait until the next token.
func (rl *RateLimiter) Allow(vault string) (ok bool, retryAfter time.Duration) {
	if rl == nil || rl.rpm <= 0 {
		return true, 0
	}
	res := rl.limiter(vault).Reserve()
	if delay := res.Delay(); delay > 0 {
		// Not proceeding, so give the token back.
		res.Cancel()
		metrics.RecordRateLimitHit()
		return false, delay
	}
	return true, 0
}

// Len returns the number of tracked vaults.
func (rl *RateLimiter) Len() int { return rl.limiters.Len() }

// WriteLimited replies 429 with a Retry-After header.
func WriteLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "rate limit exceeded",
	})
}
