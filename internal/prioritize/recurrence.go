package prioritize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecurrenceCounter tracks how often a gap signature has been seen inside a
// rolling window. Repeated gaps earn a benefit bonus so the agent stops
// deferring questions that keep coming back.
type RecurrenceCounter interface {
	Bump(ctx context.Context, signature string) (int64, error)
}

// Signature normalizes a gap description to a stable key: sorted lowercase
// tokens, hashed. Reworded duplicates of the same question collapse to one
// counter.
func Signature(description string) string {
	tokens := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	keep := tokens[:0]
	for _, t := range tokens {
		if len(t) >= 3 {
			keep = append(keep, t)
		}
	}
	sort.Strings(keep)
	sum := sha256.Sum256([]byte(strings.Join(keep, " ")))
	return hex.EncodeToString(sum[:16])
}

// RedisRecurrence counts signatures in redis so the window survives restarts
// and is shared across replicas.
type RedisRecurrence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRecurrence(client *redis.Client, ttl time.Duration) *RedisRecurrence {
	return &RedisRecurrence{client: client, ttl: ttl}
}

func (r *RedisRecurrence) Bump(ctx context.Context, signature string) (int64, error) {
	key := "forager:recurrence:" + signature
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// MemoryRecurrence is the in-process counter used by ephemeral runs and
// tests.
type MemoryRecurrence struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string][]time.Time
	now  func() time.Time
}

func NewMemoryRecurrence(ttl time.Duration) *MemoryRecurrence {
	return &MemoryRecurrence{ttl: ttl, seen: make(map[string][]time.Time), now: time.Now}
}

func (m *MemoryRecurrence) Bump(ctx context.Context, signature string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.ttl)
	kept := m.seen[signature][:0]
	for _, ts := range m.seen[signature] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.seen[signature] = kept
	return int64(len(kept)), nil
}
