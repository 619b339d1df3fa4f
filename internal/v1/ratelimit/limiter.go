// Package ratelimit applies ulule/limiter rates to the HTTP API and websocket connects,
// backed by redis when available and process memory otherwise.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/auth"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/config"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

// ErrLimitExceeded is returned by CheckWebSocketUser once the user's budget is spent.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// RateLimiter holds one limiter per budget, all sharing a store.
type RateLimiter struct {
	apiUser     *limiter.Limiter
	apiPublic   *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	validator   types.TokenValidator
	redisClient *redis.Client
}

// NewRateLimiter parses the configured rates. A nil redis client selects the memory store.
// validator identifies authenticated API callers; nil treats every caller as public.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client, validator types.TokenValidator) (*RateLimiter, error) {
	rates := make(map[string]limiter.Rate, 4)
	for name, formatted := range map[string]string{
		"API global": cfg.RateLimitAPIGlobal,
		"API public": cfg.RateLimitAPIPublic,
		"WS IP":      cfg.RateLimitWsIP,
		"WS user":    cfg.RateLimitWsUser,
	} {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate: %w", name, err)
		}
		rates[name] = rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "portal:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store")
	}

	return &RateLimiter{
		apiUser:     limiter.New(store, rates["API global"]),
		apiPublic:   limiter.New(store, rates["API public"]),
		wsIP:        limiter.New(store, rates["WS IP"]),
		wsUser:      limiter.New(store, rates["WS user"]),
		validator:   validator,
		redisClient: redisClient,
	}, nil
}

// APIMiddleware limits authenticated callers by subject and everyone else by IP.
// A store failure lets the request through.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, key, kind := rl.apiPublic, c.ClientIP(), "ip"
		if sub := rl.subject(c); sub != "" {
			inst, key, kind = rl.apiUser, sub, "user"
		}

		ctx := c.Request.Context()
		lctx, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), kind).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) subject(c *gin.Context) string {
	if rl.validator == nil {
		return ""
	}
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		return ""
	}
	claims, err := rl.validator.ValidateToken(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// CheckWebSocket applies the per-IP connect budget. It writes the 429 itself and returns
// false when the budget is spent.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketUser applies the per-user session budget. Call it after CONNECT authenticated the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return nil
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return ErrLimitExceeded
	}
	return nil
}

// StandardMiddleware is the stock ulule gin middleware on the public rate, used for
// unauthenticated probes.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
