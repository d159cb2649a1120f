// Package session keeps per-client agent state: temp directories, registered
// projects, publish/fetch stamps and in-flight markers.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stamps records when a keyed action last ran. Claim succeeds, and stamps
// now, only when no stamp younger than window exists.
type Stamps interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Clear(ctx context.Context, key string) error
}

// MemoryStamps keeps stamps in process.
type MemoryStamps struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

func NewMemoryStamps() *MemoryStamps {
	return &MemoryStamps{now: time.Now, last: make(map[string]time.Time)}
}

// WithClock replaces the time source, for tests.
func (s *MemoryStamps) WithClock(now func() time.Time) *MemoryStamps {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStamps) Claim(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.last[key]; ok && window > 0 && now.Sub(last) < window {
		return false, nil
	}
	s.last[key] = now
	return true, nil
}

func (s *MemoryStamps) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, key)
	return nil
}

// RedisStamps shares stamps between agent processes through Redis key expiry.
type RedisStamps struct {
	client *redis.Client
	prefix string
}

// NewRedisStamps connects to redisURL and verifies the connection.
func NewRedisStamps(redisURL string) (*RedisStamps, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStampsWithClient(client), nil
}

// NewRedisStampsWithClient creates stamps from an existing Redis client
func NewRedisStampsWithClient(client *redis.Client) *RedisStamps {
	return &RedisStamps{
		client: client,
		prefix: "peerlines:stamp:",
	}
}

func (s *RedisStamps) key(name string) string {
	return s.prefix + name
}

func (s *RedisStamps) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, s.key(key), strconv.FormatInt(time.Now().UnixMilli(), 10), window).Result()
	if err != nil {
		return false, fmt.Errorf("claim stamp %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStamps) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("clear stamp %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStamps) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStamps) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// scopedStamps namespaces every key under one client.
type scopedStamps struct {
	inner  Stamps
	prefix string
}

func scoped(inner Stamps, clientID string) Stamps {
	return &scopedStamps{inner: inner, prefix: "client:" + clientID + ":"}
}

func (s *scopedStamps) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	return s.inner.Claim(ctx, s.prefix+key, window)
}

func (s *scopedStamps) Clear(ctx context.Context, key string) error {
	return s.inner.Clear(ctx, s.prefix+key)
}
