// Package ratelimit gates the abuse-prone entry points: registration, login,
// RTMP publish auth, and websocket upgrades. Counters live in Redis when the
// mirror is up, otherwise in local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/config"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
)

// Limiter holds the per-concern limiter instances. All of them fail open:
// a store error never blocks a request, it only loses the count.
type Limiter struct {
	register   *limiter.Limiter
	login      *limiter.Limiter
	streamAuth *limiter.Limiter
	wsIP       *limiter.Limiter
	store      limiter.Store
}

// New builds the limiter set from the formatted rates in cfg ("5-M" style).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	registerRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRegister)
	if err != nil {
		return nil, fmt.Errorf("invalid register rate: %w", err)
	}
	loginRate, err := limiter.NewRateFromFormatted(cfg.RateLimitLogin)
	if err != nil {
		return nil, fmt.Errorf("invalid login rate: %w", err)
	}
	streamAuthRate, err := limiter.NewRateFromFormatted(cfg.RateLimitStreamAuth)
	if err != nil {
		return nil, fmt.Errorf("invalid stream auth rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &Limiter{
		register:   limiter.New(store, registerRate),
		login:      limiter.New(store, loginRate),
		streamAuth: limiter.New(store, streamAuthRate),
		wsIP:       limiter.New(store, wsIPRate),
		store:      store,
	}, nil
}

// allow consumes one token from the named limiter for key.
func (l *Limiter) allow(ctx context.Context, name string, inst *limiter.Limiter, key string) bool {
	lctx, err := inst.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.String("limiter", name), zap.Error(err))
		return true // fail open
	}
	if lctx.Reached {
		return false
	}
	return true
}

// AllowRegister reports whether key may attempt another registration. The
// caller records the rejection metric so the count stays next to the decision.
func (l *Limiter) AllowRegister(ctx context.Context, key string) bool {
	return l.allow(ctx, "register", l.register, key)
}

// AllowLogin reports whether key may attempt another login.
func (l *Limiter) AllowLogin(ctx context.Context, key string) bool {
	return l.allow(ctx, "login", l.login, key)
}

// AllowStreamAuth reports whether key may attempt another RTMP publish
// authorization.
func (l *Limiter) AllowStreamAuth(ctx context.Context, key string) bool {
	allowed := l.allow(ctx, "stream_auth", l.streamAuth, key)
	if !allowed {
		metrics.RateLimitExceeded.WithLabelValues("stream_auth").Inc()
	}
	return allowed
}

// WebSocketMiddleware rejects upgrade attempts past the per-IP connection
// rate. Applied to the websocket route before the upgrade handler runs.
func (l *Limiter) WebSocketMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := l.wsIP.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.String("limiter", "ws_ip"), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("ws_ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many connections from this IP",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}
