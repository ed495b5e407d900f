package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CompletionFence guarantees the completion hook fires at most once per
// instance, even when concurrent approvals race on the final step or the
// process restarts mid-completion. Acquire returns true exactly once per
// instance ID within the fence's retention window.
type CompletionFence interface {
	Acquire(ctx context.Context, instanceID string) (bool, error)
}

// --- MemoryCompletionFence ---

// MemoryCompletionFence is an in-memory CompletionFence with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryCompletionFence struct {
	mu      sync.Mutex
	entries map[string]time.Time // key: instance ID, value: expiry
	ttl     time.Duration
}

// NewMemoryCompletionFence creates a new in-memory completion fence.
// Entries older than ttl may be reclaimed by Sweep.
func NewMemoryCompletionFence(ttl time.Duration) *MemoryCompletionFence {
	return &MemoryCompletionFence{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Acquire marks the instance completed. The first caller wins.
func (f *MemoryCompletionFence) Acquire(_ context.Context, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if expiry, exists := f.entries[instanceID]; exists && time.Now().Before(expiry) {
		return false, nil
	}
	f.entries[instanceID] = time.Now().Add(f.ttl)
	return true, nil
}

// Sweep removes expired entries and returns how many were removed.
func (f *MemoryCompletionFence) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, expiry := range f.entries {
		if now.After(expiry) {
			delete(f.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries (including expired ones). For testing.
func (f *MemoryCompletionFence) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// --- RedisCompletionFence ---

// RedisCompletionFence is a Redis-backed CompletionFence. SET NX makes the
// first acquirer across all replicas win; Redis expiry handles retention.
type RedisCompletionFence struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCompletionFence creates a new Redis-backed completion fence.
func NewRedisCompletionFence(client redis.Cmdable, ttl time.Duration) *RedisCompletionFence {
	return &RedisCompletionFence{client: client, ttl: ttl}
}

func fenceKey(instanceID string) string {
	return "signoff:fence:" + instanceID
}

// Acquire marks the instance completed. The first caller wins.
func (f *RedisCompletionFence) Acquire(ctx context.Context, instanceID string) (bool, error) {
	ok, err := f.client.SetNX(ctx, fenceKey(instanceID), "1", f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire completion fence: %w", err)
	}
	return ok, nil
}

// HealthCheck verifies the Redis connection.
func (f *RedisCompletionFence) HealthCheck(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// InstrumentedFence wraps a CompletionFence and reports the outcome of
// every acquisition attempt.
type InstrumentedFence struct {
	Inner  CompletionFence
	Report func(result string)
}

// Acquire delegates to the wrapped fence and reports acquired, duplicate,
// or error.
func (f *InstrumentedFence) Acquire(ctx context.Context, instanceID string) (bool, error) {
	acquired, err := f.Inner.Acquire(ctx, instanceID)
	if f.Report != nil {
		switch {
		case err != nil:
			f.Report("error")
		case acquired:
			f.Report("acquired")
		default:
			f.Report("duplicate")
		}
	}
	return acquired, err
}
