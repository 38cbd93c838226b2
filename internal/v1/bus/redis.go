// Package bus is the cross-instance fan-out channel. A nil *Service is a
// valid single-instance mode: every method degrades to a no-op.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/metrics"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
)

// Envelope is the standardized container for frames moving between gateway
// instances. GatewayID prevents echo: instances skip envelopes they
// published themselves.
type Envelope struct {
	ResourceID string          `json:"resourceId,omitempty"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	GatewayID  string          `json:"gatewayId"`
	Scope      protocol.Scope  `json:"scope"`
}

// Service handles all pub/sub interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection for pub/sub with a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
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
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func resourceChannel(resourceID string) string {
	return "collab:resource:" + resourceID
}

func userChannel(userID string) string {
	return "collab:user:" + userID
}

// Publish broadcasts an envelope to all other instances watching this
// resource. Retries follow the event's routing policy; a breaker-open state
// drops the message instead of failing the caller.
func (s *Service) Publish(ctx context.Context, resourceID, event string, payload any, gatewayID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bus payload: %w", err)
	}

	env := Envelope{
		ResourceID: resourceID,
		Event:      event,
		Payload:    innerBytes,
		GatewayID:  gatewayID,
		Scope:      protocol.ScopeRoom,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}

	var retry *protocol.RetryPolicy
	if route, ok := protocol.RouteFor(event); ok {
		retry = route.Retry
	}

	attempts := 1
	if retry != nil {
		attempts += retry.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		_, lastErr = s.cb.Execute(func() (interface{}, error) {
			return nil, s.client.Publish(ctx, resourceChannel(resourceID), data).Err()
		})
		if lastErr == nil {
			return nil
		}
		if lastErr == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			logging.Warn(ctx, "Bus circuit breaker open: dropping publish", zap.String("resourceId", resourceID))
			return nil
		}
		if retry != nil && attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(retry.BackoffMs) * time.Millisecond):
			}
		}
	}

	logging.Error(ctx, "Bus publish failed", zap.String("resourceId", resourceID), zap.Error(lastErr))
	return lastErr
}

// PublishUser sends an envelope to one user's sessions on other instances.
func (s *Service) PublishUser(ctx context.Context, userID, event string, payload any, gatewayID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal bus payload: %w", err)
	}

	env := Envelope{
		Event:     event,
		Payload:   innerBytes,
		GatewayID: gatewayID,
		Scope:     protocol.ScopeUser,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal bus envelope: %w", err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, userChannel(userID), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			logging.Warn(ctx, "Bus circuit breaker open: dropping direct publish", zap.String("userId", userID))
			return nil
		}
		logging.Error(ctx, "Bus direct publish failed", zap.String("userId", userID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe starts a background listener for a resource channel. The
// goroutine exits when ctx is cancelled or the subscription dies.
func (s *Service) Subscribe(ctx context.Context, resourceID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := resourceChannel(resourceID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to bus channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Bus subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus envelope", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
}

// SubscribeUser starts a background listener for one user's direct channel,
// covering that user's sessions on this instance.
func (s *Service) SubscribeUser(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := userChannel(userID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Bus user channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus envelope", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity, for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
