package quota

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Remaining  int           // admits left in the current window, 0 when denied
	RetryAfter time.Duration // set when denied
	Reason     string        // human-readable denial reason
}

// Backend counts admissions per key within a fixed window.
// Count returns the number of admissions including the current one.
type Backend interface {
	Count(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Guard is the per-identity, per-operation-class rate limiter gating all
// expensive calls. Admission is evaluated exactly once, before dispatch
// begins; an admitted request proceeds regardless of later quota state.
type Guard struct {
	config  Config
	backend Backend
}

// NewGuard creates a guard over the given backend. A nil backend gets an
// in-memory fixed-window counter.
func NewGuard(config Config, backend Backend) *Guard {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Guard{config: config, backend: backend}
}

// Admit checks and consumes one admission for (identity, class).
// Concurrent admits for the same key never double-admit past the
// configured max. On backend failure the guard fails OPEN for regular
// classes and CLOSED for security-critical ones.
func (g *Guard) Admit(ctx context.Context, identity string, class Class) Decision {
	limit, ok := g.config[class]
	if !ok {
		limit = g.config[ClassGeneral]
	}
	if limit.Max <= 0 {
		return Decision{Allowed: true}
	}

	key := string(class) + ":" + identity
	count, resetIn, err := g.backend.Count(ctx, key, limit.Window)
	if err != nil {
		if securityCritical(class) {
			slog.Error("quota backend unavailable, failing closed", "class", class, "error", err)
			return Decision{
				Allowed:    false,
				RetryAfter: limit.Window,
				Reason:     "rate limiter unavailable, please retry later",
			}
		}
		slog.Warn("quota backend unavailable, failing open", "class", class, "error", err)
		return Decision{Allowed: true, Remaining: limit.Max}
	}

	if count > int64(limit.Max) {
		return Decision{
			Allowed:    false,
			RetryAfter: resetIn,
			Reason: fmt.Sprintf("quota exceeded for %s: %d requests per %s, retry in %s",
				class, limit.Max, limit.Window, resetIn.Round(time.Second)),
		}
	}

	return Decision{Allowed: true, Remaining: limit.Max - int(count)}
}

// --- In-memory backend ---

const memoryShards = 64

type bucket struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// MemoryBackend keeps fixed-window counters in process memory. Buckets
// are created lazily and rolled over in place when the window elapses.
// Sharded locking keeps unrelated keys from contending on one mutex.
type MemoryBackend struct {
	shards [memoryShards]struct {
		mu      sync.Mutex
		buckets map[string]*bucket
	}
	now func() time.Time
}

// NewMemoryBackend creates an empty in-memory counter backend
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{now: time.Now}
	for i := range b.shards {
		b.shards[i].buckets = make(map[string]*bucket)
	}
	return b
}

// Count increments and returns the counter for key in its current window
func (b *MemoryBackend) Count(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	shard := &b.shards[shardIndex(key)]

	shard.mu.Lock()
	bk, ok := shard.buckets[key]
	if !ok {
		bk = &bucket{}
		shard.buckets[key] = bk
	}
	shard.mu.Unlock()

	now := b.now()

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if bk.resetAt.IsZero() || !now.Before(bk.resetAt) {
		bk.count = 0
		bk.resetAt = now.Add(window)
	}
	bk.count++
	return bk.count, bk.resetAt.Sub(now), nil
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % memoryShards)
}
