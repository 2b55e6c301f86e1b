package mw

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/ratelimit"
	"github.com/MrSnakeDoc/beacon/internal/utils"
)

type RateLimitConfig struct {
	Burst             int
	RefillPerIPPerMin int
	MaxEntries        int
	TrustProxy        bool // resolve IP from proxy headers when true
}

// RateLimit throttles each client IP with a token bucket. Refused requests get
// 429 with Retry-After; every response carries X-RateLimit-* headers.
func RateLimit(cfg RateLimitConfig, log logger.Logger) func(http.Handler) http.Handler {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RefillPerIPPerMin < 1 {
		cfg.RefillPerIPPerMin = 1
	}
	lcfg := ratelimit.PerMinute(cfg.RefillPerIPPerMin, cfg.Burst)
	lcfg.MaxEntries = cfg.MaxEntries
	lcfg.IdleTTL = 15 * time.Minute
	limiter := ratelimit.New(lcfg)
	limitStr := strconv.Itoa(cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := utils.ClientIP(r, cfg.TrustProxy)

			ok, remaining, retry := limiter.Take(ip, time.Now())
			w.Header().Set("X-RateLimit-Limit", limitStr)
			if !ok {
				metrics.AdminRejected.WithLabelValues("rate_limited").Inc()
				log.Debug("admin request rate limited",
					logger.String("remote_ip", ip),
					logger.Duration("retry_after", retry))
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(retry.Seconds())))))
				w.Header().Set("X-RateLimit-Remaining", "0")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}
