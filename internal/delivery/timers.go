package delivery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TimerQueue holds expiry timers keyed by event id. Scheduling an id twice
// keeps the latest deadline.
type TimerQueue interface {
	Schedule(ctx context.Context, eventID string, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Remove(ctx context.Context, eventID string) error
}

// MemoryTimerQueue keeps timers in process memory. Timers are lost on
// restart; the expiry worker's store sweep picks those events up.
type MemoryTimerQueue struct {
	mu     sync.Mutex
	timers map[string]time.Time
}

// NewMemoryTimerQueue creates an empty in-memory queue.
func NewMemoryTimerQueue() *MemoryTimerQueue {
	return &MemoryTimerQueue{timers: make(map[string]time.Time)}
}

// Schedule implements TimerQueue.
func (q *MemoryTimerQueue) Schedule(_ context.Context, eventID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers[eventID] = at
	return nil
}

// Due implements TimerQueue.
func (q *MemoryTimerQueue) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for id, at := range q.timers {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return q.timers[due[i]].Before(q.timers[due[j]])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Remove implements TimerQueue.
func (q *MemoryTimerQueue) Remove(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.timers, eventID)
	return nil
}

// Deadline returns the deadline armed for eventID.
func (q *MemoryTimerQueue) Deadline(eventID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.timers[eventID]
	return at, ok
}

// Len returns the number of armed timers.
func (q *MemoryTimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// DefaultRedisKey is the sorted set holding expiry deadlines.
const DefaultRedisKey = "agentdesk:expiry"

// RedisTimerQueue stores timers in a Redis sorted set scored by deadline in
// Unix milliseconds, so armed timers survive restarts.
type RedisTimerQueue struct {
	client *redis.Client
	key    string
}

// NewRedisTimerQueue connects to the Redis server at url.
func NewRedisTimerQueue(ctx context.Context, url, key string) (*RedisTimerQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTimerQueueFromClient(client, key), nil
}

// NewRedisTimerQueueFromClient wraps an existing client.
func NewRedisTimerQueueFromClient(client *redis.Client, key string) *RedisTimerQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisTimerQueue{client: client, key: key}
}

// Schedule implements TimerQueue.
func (q *RedisTimerQueue) Schedule(ctx context.Context, eventID string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: eventID,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule expiry timer: %w", err)
	}
	return nil
}

// Due implements TimerQueue.
func (q *RedisTimerQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := q.client.ZRangeByScore(ctx, q.key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("list due timers: %w", err)
	}
	return ids, nil
}

// Remove implements TimerQueue.
func (q *RedisTimerQueue) Remove(ctx context.Context, eventID string) error {
	if err := q.client.ZRem(ctx, q.key, eventID).Err(); err != nil {
		return fmt.Errorf("remove expiry timer: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (q *RedisTimerQueue) Close() error {
	return q.client.Close()
}
