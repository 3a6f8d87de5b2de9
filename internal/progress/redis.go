package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultChannel = "book-progress"
	defaultTTL     = 24 * time.Hour
	keyPrefix      = "book:progress:"
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithChannel sets the pub/sub channel progress is published on.
func WithChannel(channel string) RedisOption {
	return func(s *RedisStore) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithTTL sets the expiry of progress keys.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// RedisStore stores each snapshot under book:progress:<id> and publishes it
// on a channel for live subscribers.
type RedisStore struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisStore(client, opts...), nil
}

func newRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		channel: defaultChannel,
		ttl:     defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func progressKey(bookID string) string {
	return keyPrefix + bookID
}

func (s *RedisStore) Put(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, progressKey(state.BookID), raw, s.ttl)
	pipe.Publish(ctx, s.channel, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, bookID string) (*State, error) {
	raw, err := s.client.Get(ctx, progressKey(bookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &state, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
