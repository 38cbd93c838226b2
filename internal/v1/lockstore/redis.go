package lockstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
)

const (
	maxAttempts    = 5
	retryBase      = 50 * time.Millisecond
	retryCap       = 2 * time.Second
	defaultTimeout = 3 * time.Second
)

// RedisStore implements Store over a Redis client. Transient transport
// errors are retried with capped exponential backoff; sustained failures
// trip a circuit breaker so lock operations degrade fast instead of
// stacking up timeouts.
type RedisStore struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	st := gobreaker.Settings{
		Name:        "lockstore",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("lockstore").Set(stateVal)
		},
	}

	return &RedisStore{
		client:  client,
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: defaultTimeout,
	}
}

// isRetryable reports whether an error is worth another attempt. READONLY
// errors appear during replica failover; the client reconnects, so a retry
// lands on the new primary.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "READONLY") || strings.HasPrefix(msg, "LOADING") || strings.Contains(msg, "connection refused")
}

// execute runs op under the breaker with the retry policy and a per-call
// deadline.
func (s *RedisStore) execute(ctx context.Context, name string, op func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.cb.Execute(func() (any, error) {
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			res, err := op(ctx)
			if err == nil || !isRetryable(err) {
				return res, err
			}
			lastErr = err

			backoff := retryBase * time.Duration(attempt)
			if backoff > retryCap {
				backoff = retryCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		return nil, lastErr
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("lockstore").Inc()
		}
		if !errors.Is(err, redis.Nil) {
			logging.Warn(ctx, "Lock store operation failed", zap.String("op", name), zap.Error(err))
		}
		return nil, fmt.Errorf("lockstore %s: %w", name, err)
	}
	return res, nil
}

// PutIfAbsent issues SET NX PX.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.execute(ctx, "put_if_absent", func(ctx context.Context) (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Get returns the stored value, distinguishing absence from failure.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute(ctx, "get", func(ctx context.Context) (any, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Put issues a plain SET PX, replacing the value and resetting the TTL.
func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute(ctx, "put", func(ctx context.Context) (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// PTTL maps go-redis durations onto the sentinel contract.
func (s *RedisStore) PTTL(ctx context.Context, key string) (int64, error) {
	res, err := s.execute(ctx, "pttl", func(ctx context.Context) (any, error) {
		return s.client.PTTL(ctx, key).Result()
	})
	if err != nil {
		return TTLNoKey, err
	}

	// go-redis encodes the PTTL sentinels as durations of -1 and -2.
	d := res.(time.Duration)
	switch {
	case d == -1:
		return TTLNoExpiry, nil
	case d < 0:
		return TTLNoKey, nil
	}
	return d.Milliseconds(), nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.execute(ctx, "delete", func(ctx context.Context) (any, error) {
		return s.client.Del(ctx, key).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) > 0, nil
}
