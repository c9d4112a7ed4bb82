// SPDX-License-Identifier: MIT

package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Counter stores upvote counts per article.
type Counter interface {
	Get(ctx context.Context, articleID string) (int, error)
	Incr(ctx context.Context, articleID string) (int, error)
}

// MemoryCounter keeps counts in process.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounter returns an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

// Get implements Counter.
func (c *MemoryCounter) Get(_ context.Context, articleID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[articleID], nil
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, articleID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[articleID]++
	return c.counts[articleID], nil
}

// RedisCounter shares counts between nodes through Redis.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter stores counts under prefix+articleID.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

// Get implements Counter.
func (c *RedisCounter) Get(ctx context.Context, articleID string) (int, error) {
	n, err := c.client.Get(ctx, c.prefix+articleID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get upvotes: %w", err)
	}
	return n, nil
}

// Incr implements Counter.
func (c *RedisCounter) Incr(ctx context.Context, articleID string) (int, error) {
	n, err := c.client.Incr(ctx, c.prefix+articleID).Result()
	if err != nil {
		return 0, fmt.Errorf("incr upvotes: %w", err)
	}
	return int(n), nil
}
