// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, opts ...RedisOption) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisQueue(client, opts...), mr
}

func TestRedisQueue(t *testing.T) {
	t.Run("will deliver ids in commit order", func(t *testing.T) {
		t.Run("if multiple ids are announced", func(t *testing.T) {
			q, _ := newQueue(t)

			require.NoError(t, q.Notify(t.Context(), 1))
			require.NoError(t, q.Notify(t.Context(), 2))
			require.NoError(t, q.Notify(t.Context(), 3))

			for want := int64(1); want <= 3; want++ {
				id, err := q.Listen(t.Context())
				require.NoError(t, err)
				require.Equal(t, want, id)
			}
		})
	})

	t.Run("will stop listening", func(t *testing.T) {
		t.Run("if the context is done before an id arrives", func(t *testing.T) {
			q, _ := newQueue(t, PollInterval(10*time.Millisecond))

			ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
			defer cancel()

			_, err := q.Listen(ctx)
			require.Error(t, err)
		})
	})

	t.Run("will report a malformed id", func(t *testing.T) {
		t.Run("if the list carries something which is not an id", func(t *testing.T) {
			q, mr := newQueue(t)

			_, err := mr.Lpush("outbox:notify", "not-a-number")
			require.NoError(t, err)

			_, err = q.Listen(t.Context())
			require.ErrorContains(t, err, "malformed id")
		})
	})

	t.Run("will use the configured key", func(t *testing.T) {
		t.Run("if one is set", func(t *testing.T) {
			q, mr := newQueue(t, Key("payments:outbox"))

			require.NoError(t, q.Notify(t.Context(), 42))

			vals, err := mr.List("payments:outbox")
			require.NoError(t, err)
			require.Equal(t, []string{"42"}, vals)
		})
	})
}
