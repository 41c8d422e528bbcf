// Package bus provides an optional cross-instance fan-out path for presence
// events over Redis Pub/Sub. A nil *Service is a valid no-op, so the relay
// runs single-instance with REDIS_ENABLED=false without any special casing
// at call sites.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// PresenceEvent is the envelope published to a room's channel so that other
// relay instances can mirror presence changes to their own local
// connections.
type PresenceEvent struct {
	RoomID  string          `json:"roomId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Service wraps a Redis client behind a circuit breaker: publish failures
// degrade to a dropped message rather than propagating to the caller.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService dials addr and verifies connectivity before returning.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func channelFor(roomID string) string {
	return "filerelay:room:" + roomID
}

// Publish broadcasts event/payload to every other relay instance subscribed
// to roomID's channel. Nil-receiver safe: a disabled bus is a no-op.
func (s *Service) Publish(ctx context.Context, roomID, event string, payload any) {
	if s == nil || s.client == nil {
		return
	}
	_, err := s.cb.Execute(func() (any, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(PresenceEvent{RoomID: roomID, Event: event, Payload: inner})
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})
	if err == nil {
		metrics.RedisOperations.WithLabelValues("publish", "ok").Inc()
		return
	}
	if err == gobreaker.ErrOpenState {
		metrics.RedisOperations.WithLabelValues("publish", "breaker_open").Inc()
		logging.Warn(ctx, "redis bus circuit open, dropping publish", zap.String("room_id", roomID))
		return
	}
	metrics.RedisOperations.WithLabelValues("publish", "error").Inc()
	logging.Warn(ctx, "redis bus publish failed", zap.String("room_id", roomID), zap.Error(err))
}

// Subscribe starts a background goroutine delivering every PresenceEvent
// published to roomID's channel to handler, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler func(PresenceEvent)) {
	if s == nil || s.client == nil {
		return
	}
	pubsub := s.client.Subscribe(ctx, channelFor(roomID))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				handler(evt)
			}
		}
	}()
}

// Close releases the underlying Redis client. Nil-receiver safe.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
