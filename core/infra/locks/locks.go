package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regsentinel/regsentinel/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
)

// Locker serializes writers on a single policy record.
type Locker interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
}

// Release and renew only succeed for the owner that acquired the lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker implements exclusive per-resource locks on Redis.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker constructs a Redis-backed locker.
func NewRedisLocker(url string) (*RedisLocker, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// NewRedisLockerWithClient wraps an existing client, used when a component
// already holds a connection.
func NewRedisLockerWithClient(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Close shuts down the Redis client.
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

// Acquire takes the lock for owner if it is free. It does not block.
func (l *RedisLocker) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("locker unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return l.client.SetNX(ctx, lockKey(resource), owner, ttl).Result()
}

// Release drops the lock when owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, resource, owner string) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("locker unavailable")
	}
	res, err := l.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends the TTL when owner still holds the lock.
func (l *RedisLocker) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("locker unavailable")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	res, err := l.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func lockKey(resource string) string {
	return "lock:" + resource
}
