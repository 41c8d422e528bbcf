// Package ratelimit bounds the HTTP upload endpoint and the WebSocket
// upgrade handshake per client IP, backed by an in-memory or Redis store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/FabeYT/smartshare/internal/config"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds the rate limiter instances for this relay's three bounded
// surfaces: the relay-wide API rate, the scratch-file upload endpoint, and
// the WebSocket handshake.
type Limiter struct {
	apiGlobal *limiter.Limiter
	upload    *limiter.Limiter
	wsIP      *limiter.Limiter
}

// New builds a Limiter from cfg, using a Redis-backed store when
// redisClient is non-nil so limits are shared across instances, otherwise
// an in-process memory store.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	uploadRate, err := limiter.NewRateFromFormatted(cfg.RateLimitUpload)
	if err != nil {
		return nil, fmt.Errorf("invalid upload rate: %w", err)
	}
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "filerelay:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("redis limiter store: %w", err)
		}
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using in-memory store")
	}

	return &Limiter{
		apiGlobal: limiter.New(store, globalRate),
		upload:    limiter.New(store, uploadRate),
		wsIP:      limiter.New(store, wsRate),
	}, nil
}

// Global is gin middleware enforcing the relay-wide per-IP request rate.
func (l *Limiter) Global() gin.HandlerFunc {
	return l.middleware(l.apiGlobal, "global")
}

// Upload is gin middleware enforcing the upload endpoint's stricter per-IP
// rate.
func (l *Limiter) Upload() gin.HandlerFunc {
	return l.middleware(l.upload, "upload")
}

func (l *Limiter) middleware(lim *limiter.Limiter, kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := kind + ":" + c.ClientIP()
		ctx := c.Request.Context()
		result, err := lim.Get(ctx, key)
		if err != nil {
			// Fail open: availability over strict enforcement when the store
			// itself is unreachable.
			logging.Error(ctx, "rate limiter store failed", zap.String("kind", kind), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(kind).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": result.Reset,
			})
			return
		}
		metrics.RateLimitRequests.WithLabelValues(kind).Inc()
		c.Next()
	}
}

// AllowWebSocket reports whether a new WebSocket connection from the
// request's client IP is within the handshake rate, writing a 429 response
// and returning false if not.
func (l *Limiter) AllowWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	result, err := l.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "websocket rate limiter store failed", zap.Error(err))
		return true
	}
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	metrics.RateLimitRequests.WithLabelValues("websocket").Inc()
	return true
}
