// Package bus is the backplane adapter: Redis pub/sub channels, keyed lists,
// sets, and TTL keys shared by every server instance in the cluster.
//
// All write operations degrade to no-ops and reads to empty results when the
// backplane is unreachable or the circuit breaker is open, so a Redis outage
// never closes client sessions.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/parleyhq/parley/internal/v1/metrics"
)

// Service handles all interaction with the Redis cluster. A nil *Service is
// valid and behaves as a disconnected backplane (single-instance mode).
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService creates a Redis connection and verifies it with a ping.
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
		Name:        "redis",
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis backplane", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Client returns the underlying Redis client, nil in single-instance mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Connected reports whether a backplane connection exists. Higher layers use
// it to fall back to process-local fan-out.
func (s *Service) Connected() bool {
	return s != nil && s.client != nil
}

// execute runs op through the circuit breaker, translating an open breaker
// into graceful degradation for write paths.
func (s *Service) execute(op func() (any, error)) (any, error) {
	res, err := s.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return res, err
}

// Publish broadcasts a payload to the current subscribers of channel.
// Best-effort: no retention, no delivery guarantee beyond Redis's own.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: dropping publish", "channel", channel)
			return nil
		}
		slog.Error("Redis publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that delivers every payload
// published on channel to handler until ctx is cancelled. Redelivery after a
// reconnect is not guaranteed.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(payload string)) {
	if !s.Connected() {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

// ListPushFrontTrim atomically prepends item to the list at key and trims it
// to at most maxLen entries.
func (s *Service) ListPushFrontTrim(ctx context.Context, key string, item []byte, maxLen int64) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, item)
		pipe.LTrim(ctx, key, 0, maxLen-1)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: skipping list push", "key", key)
			return nil
		}
		return fmt.Errorf("failed to push to list: %w", err)
	}
	return nil
}

// ListRange reads the slice [start, stop] of the list at key, newest-first.
func (s *Service) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if !s.Connected() {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read list range: %w", err)
	}
	return res.([]string), nil
}

// SetAdd adds a member to the set at key.
func (s *Service) SetAdd(ctx context.Context, key, member string) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from the set at key.
func (s *Service) SetRem(ctx context.Context, key, member string) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of the set at key.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if !s.Connected() {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// SetCard returns the cardinality of the set at key.
func (s *Service) SetCard(ctx context.Context, key string) (int64, error) {
	if !s.Connected() {
		return 0, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get set cardinality: %w", err)
	}
	return res.(int64), nil
}

// SetWithTTL stores a string value under key with the given TTL.
func (s *Service) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("Redis circuit breaker open: skipping Set", "key", key)
			return nil
		}
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Get reads the string value at key. The second return is false when the key
// does not exist or the backplane is unavailable.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.Connected() {
		return "", false, nil
	}

	res, err := s.execute(func() (any, error) {
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
		if errors.Is(err, gobreaker.ErrOpenState) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil
		}
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// TTL returns the remaining time to live of key.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !s.Connected() {
		return 0, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.TTL(ctx, key).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read ttl: %w", err)
	}
	return res.(time.Duration), nil
}

// Keys returns the keys matching pattern. The typing snapshot is the only
// caller; patterns stay narrow (one room).
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !s.Connected() {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		return s.client.Keys(ctx, pattern).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return res.([]string), nil
}

// Expire sets a TTL on an existing key.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil
		}
		return fmt.Errorf("failed to expire key: %w", err)
	}
	return nil
}

// Eval runs a Lua script. Used for operations that must be atomic on the
// backplane, like the rate-limit bucket.
func (s *Service) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if !s.Connected() {
		return nil, nil
	}

	res, err := s.execute(func() (any, error) {
		return script.Run(ctx, s.client, keys, args...).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return res, nil
}

// Ping checks backplane connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if !s.Connected() {
		return nil
	}

	_, err := s.execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if !s.Connected() {
		return nil
	}
	return s.client.Close()
}
