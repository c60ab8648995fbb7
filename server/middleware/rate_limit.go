package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.Mutex
	cleanup    *time.Ticker
	done       chan struct{}
	logger     *zap.Logger
	defaultRPS float64
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS float64, burst int, logger *zap.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		done:       make(chan struct{}),
		now:        time.Now,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

func (rl *RateLimiter) RateLimitWithConfig(rps float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.allow(clientIP, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("rps", rps))

			retry := 1
			if rps > 0 {
				retry = int(math.Ceil(1 / rps))
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.APIError{Detail: "Rate limit exceeded."})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allow(clientIP string, rps float64, burst int) bool {
	rl.mutex.Lock()
	bucket, exists := rl.clients[clientIP]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: rl.now(),
		}
		rl.clients[clientIP] = bucket
	}
	rl.mutex.Unlock()

	return bucket.take(rl.now(), rps, burst)
}

// take refills fractionally so low rates still recover between requests.
func (cb *ClientBucket) take(now time.Time, rps float64, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate).Seconds()
	if elapsed > 0 {
		cb.tokens = math.Min(float64(burst), cb.tokens+elapsed*rps)
		cb.lastUpdate = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanup.C:
			rl.mutex.Lock()
			now := rl.now()
			for ip, bucket := range rl.clients {
				bucket.mutex.Lock()
				if now.Sub(bucket.lastUpdate) > 10*time.Minute {
					delete(rl.clients, ip)
				}
				bucket.mutex.Unlock()
			}
			rl.mutex.Unlock()
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]any {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]any{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.cleanup.Stop()
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}
