package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLock is the JSON value stored under each key.
type redisLock struct {
	Owner       string `json:"owner"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// Keys also carry a native PX expiry so abandoned locks disappear on their
// own, but the stored expires_at_ms is authoritative: clocks between this
// process and Redis may disagree.
var (
	// KEYS[1]=key ARGV[1]=value ARGV[2]=now_ms ARGV[3]=ttl_ms
	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, l = pcall(cjson.decode, cur)
  if ok and type(l) == 'table' and tonumber(l.expires_at_ms) and tonumber(l.expires_at_ms) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

	// KEYS[1]=key ARGV[1]=owner
	deleteOwnedScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, l = pcall(cjson.decode, cur)
if ok and type(l) == 'table' and l.owner == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	// KEYS[1]=key ARGV[1]=now_ms
	deleteExpiredScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local ok, l = pcall(cjson.decode, cur)
if ok and type(l) == 'table' and tonumber(l.expires_at_ms) and tonumber(l.expires_at_ms) < tonumber(ARGV[1]) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// scanCount is the COUNT hint for SCAN iterations.
const scanCount = 100

// RedisStore keeps locks in Redis. Every instance pointed at the same Redis
// database is excluded.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a RedisStore using client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) TryAcquire(ctx context.Context, l Lock, now time.Time) (bool, error) {
	ttl := l.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	value, err := json.Marshal(redisLock{
		Owner:       l.Owner,
		CreatedAtMs: l.CreatedAt.UnixMilli(),
		ExpiresAtMs: l.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("encode lock: %w", err)
	}

	n, err := acquireScript.Run(ctx, s.client, []string{l.Name}, string(value), now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis acquire: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Lock, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("redis get: %w", err)
	}
	return decodeRedisLock(key, raw)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteOwned(ctx context.Context, key, owner string) (bool, error) {
	n, err := deleteOwnedScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete owned: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteExpired(ctx context.Context, key string, now time.Time) error {
	if err := deleteExpiredScript.Run(ctx, s.client, []string{key}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis delete expired: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Lock, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	locks := make([]Lock, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired natively between SCAN and MGET.
			continue
		}
		l, err := decodeRedisLock(keys[i], raw)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func (s *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, matchPrefix(prefix), scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// matchPrefix builds a SCAN MATCH pattern for keys starting with prefix,
// escaping glob metacharacters so the prefix is matched literally.
func matchPrefix(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1)
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

func decodeRedisLock(key, raw string) (Lock, error) {
	var v redisLock
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Lock{}, fmt.Errorf("decode lock %s: %w", key, err)
	}
	return Lock{
		Name:      key,
		Owner:     v.Owner,
		CreatedAt: time.UnixMilli(v.CreatedAtMs),
		ExpiresAt: time.UnixMilli(v.ExpiresAtMs),
	}, nil
}
