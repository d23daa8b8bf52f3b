package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitRepository counts hits per key in fixed windows.
type RateLimitRepository interface {
	// Allow records a hit for key and reports whether it is within limit
	// for the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type RedisRateLimitRepository struct {
	rdb *redis.Client
}

func NewRedisRateLimitRepository(rdb *redis.Client) *RedisRateLimitRepository {
	return &RedisRateLimitRepository{rdb: rdb}
}

func (r *RedisRateLimitRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки лимита %s: %w", key, err)
	}

	if count == 1 {
		if err := r.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("ошибка установки окна лимита %s: %w", key, err)
		}
	}

	return count <= int64(limit), nil
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

type MemoryRateLimitRepository struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*rateWindow
}

func NewMemoryRateLimitRepository(now func() time.Time) *MemoryRateLimitRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimitRepository{
		now:     now,
		windows: make(map[string]*rateWindow),
	}
}

func (r *MemoryRateLimitRepository) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		r.windows[key] = w
	}
	w.count++

	// drop expired windows now and then so idle senders do not pile up
	if len(r.windows) > 1024 {
		for k, v := range r.windows {
			if !now.Before(v.resetAt) {
				delete(r.windows, k)
			}
		}
	}

	return w.count <= limit, nil
}
