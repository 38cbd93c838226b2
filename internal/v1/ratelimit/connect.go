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

	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
)

// ConnectLimiter throttles WebSocket connection attempts per IP and per
// user, backed by Redis when available and process memory otherwise.
type ConnectLimiter struct {
	ip          *limiter.Limiter
	user        *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewConnectLimiter creates a ConnectLimiter. Rates use the limiter format,
// e.g. "100-M" for 100 per minute. A nil redisClient selects the in-memory
// store.
func NewConnectLimiter(ipRate, userRate string, redisClient *redis.Client) (*ConnectLimiter, error) {
	ip, err := limiter.NewRateFromFormatted(ipRate)
	if err != nil {
		return nil, fmt.Errorf("invalid connect IP rate: %w", err)
	}

	user, err := limiter.NewRateFromFormatted(userRate)
	if err != nil {
		return nil, fmt.Errorf("invalid connect user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:collab:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Connect limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Connect limiter using memory store (Redis disabled or unavailable)")
	}

	return &ConnectLimiter{
		ip:          limiter.New(store, ip),
		user:        limiter.New(store, user),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckIP gates the upgrade request by client IP. On limit breach it writes
// the 429 response itself and returns false. Store failures fail open.
func (cl *ConnectLimiter) CheckIP(c *gin.Context) bool {
	ctx := c.Request.Context()

	ipContext, err := cl.ip.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "Connect limiter store failed (IP)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitDenials.WithLabelValues("connect_ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts from this IP"})
		return false
	}

	return true
}

// CheckUser gates the upgrade by authenticated user ID, called after token
// validation. Store failures fail open.
func (cl *ConnectLimiter) CheckUser(ctx context.Context, userID string) error {
	userContext, err := cl.user.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "Connect limiter store failed (user)", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitDenials.WithLabelValues("connect_user").Inc()
		return fmt.Errorf("connection rate limit exceeded for user")
	}

	return nil
}
