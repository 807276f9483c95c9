// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package notify carries just-committed outbox ids from writers to
// the dispatcher fast path.
//
// Delivery is at most once. Losing a notification is benign since the
// outbox sweeper picks every unpublished entry up eventually; the
// channel only shortens the latency between commit and publish.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the shared notification channel between outbox writers and
// the dispatcher fast path.
type Queue interface {
	// Notify announces that the outbox entry with the given id was
	// just committed.
	Notify(ctx context.Context, id int64) error

	// Listen blocks until the next announced id arrives or ctx is
	// done.
	Listen(ctx context.Context) (int64, error)
}

// RedisOption configures a [RedisQueue].
type RedisOption func(*RedisQueue)

// Key sets the redis list key the ids travel on.
func Key(key string) RedisOption {
	return func(q *RedisQueue) {
		q.key = key
	}
}

// PollInterval bounds how long one blocking pop waits before checking
// for cancellation.
func PollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		q.wait = d
	}
}

// RedisQueue implements [Queue] on a redis list. Writers push with
// LPUSH and the fast path pops with BRPOP, so ids arrive in commit
// order per writer.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

// NewRedisQueue initializes a [RedisQueue] on the given client.
func NewRedisQueue(client redis.UniversalClient, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client: client,
		key:    "outbox:notify",
		wait:   time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Notify implements the [Queue] interface.
func (q *RedisQueue) Notify(ctx context.Context, id int64) error {
	err := q.client.LPush(ctx, q.key, strconv.FormatInt(id, 10)).Err()
	if err != nil {
		return fmt.Errorf("notify: failed to push id %d: %w", id, err)
	}
	return nil
}

// Listen implements the [Queue] interface.
func (q *RedisQueue) Listen(ctx context.Context) (int64, error) {
	for {
		vals, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		// BRPOP returns the key and the popped value
		id, err := strconv.ParseInt(vals[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("notify: malformed id %q", vals[1])
		}
		return id, nil
	}
}
