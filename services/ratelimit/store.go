package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one atomic check-and-increment
type Decision struct {
	Allowed bool

	// Count is the counter value after the operation
	Count int

	// TTL is the time left until the window key expires
	TTL time.Duration
}

// CounterStore performs an atomic check-and-increment against a shared counter.
// The counter is only incremented when it is below limit; ttl is applied when
// the key is created.
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (Decision, error)
}

// checkAndIncrementScript rejects without incrementing once the limit is hit
const checkAndIncrementScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
  local pttl = redis.call("PTTL", key)
  if pttl < 0 then
    redis.call("PEXPIRE", key, ttl)
    pttl = ttl
  end
  return {0, current, pttl}
end

current = redis.call("INCR", key)
local pttl = redis.call("PTTL", key)
if pttl < 0 then
  redis.call("PEXPIRE", key, ttl)
  pttl = ttl
end
return {1, current, pttl}
`

// RedisStore keeps counters in Redis and runs the check as a Lua script
type RedisStore struct {
	client redis.Scripter
	script *redis.Script
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(checkAndIncrementScript),
	}
}

// CheckAndIncrement implements CounterStore
func (s *RedisStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (Decision, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		ttlMillis = 1
	}

	res, err := s.script.Run(ctx, s.client, []string{key}, limit, ttlMillis).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	return Decision{
		Allowed: toInt64(vals[0]) == 1,
		Count:   int(toInt64(vals[1])),
		TTL:     time.Duration(toInt64(vals[2])) * time.Millisecond,
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

type memoryCounter struct {
	count     int
	expiresAt time.Time
}

// MemoryStore is a single-process CounterStore guarded by a mutex
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryStore creates an in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// CheckAndIncrement implements CounterStore
func (s *MemoryStore) CheckAndIncrement(ctx context.Context, key string, limit int, ttl time.Duration) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counter, ok := s.counters[key]
	if !ok || !now.Before(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = counter
	}

	remaining := counter.expiresAt.Sub(now)
	if counter.count >= limit {
		return Decision{Allowed: false, Count: counter.count, TTL: remaining}, nil
	}

	counter.count++
	return Decision{Allowed: true, Count: counter.count, TTL: remaining}, nil
}

// Cleanup drops expired counters and returns how many were removed
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, counter := range s.counters {
		if !now.Before(counter.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}
