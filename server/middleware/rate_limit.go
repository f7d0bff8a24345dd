package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const clientIdleTimeout = 10 * time.Minute

type RateLimiter struct {
	clients    map[string]*clientLimiter
	mutex      sync.Mutex
	cleanup    *time.Ticker
	done       chan struct{}
	once       sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter limits each client IP to defaultRPS requests per second
// with the given burst.
func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		done:       make(chan struct{}),
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.Allow(clientIP) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path))

			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mutex.Lock()
	client, exists := rl.clients[clientIP]
	if !exists {
		client = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.defaultRPS), rl.burst)}
		rl.clients[clientIP] = client
	}
	client.lastSeen = time.Now()
	rl.mutex.Unlock()

	return client.limiter.Allow()
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.evictIdle(time.Now())
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	for ip, client := range rl.clients {
		if now.Sub(client.lastSeen) > clientIdleTimeout {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}
