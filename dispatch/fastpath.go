// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/z5labs/keel/notify"
)

// FastPathConcurrency bounds how many fast path publishes run at once.
func FastPathConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.fastPathConcurrency = n
	}
}

// FastPathRetryDelay sets how long the fast path waits before
// listening again after a queue failure.
func FastPathRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.fastPathRetryDelay = delay
	}
}

// RunFastPath consumes just-committed entry ids from q and publishes
// them without waiting for the next sweep.
//
// The fast path is strictly a latency optimization. A claim that
// loses, an id for an entry which is not NEW anymore, or a dropped
// notification all end the same way: the sweeper publishes the entry
// on its next tick. Publishes run on a pool bounded by
// [FastPathConcurrency].
func (d *Dispatcher) RunFastPath(ctx context.Context, q notify.Queue) error {
	p := pool.New().
		WithContext(ctx).
		WithMaxGoroutines(d.fastPathConcurrency)

	for {
		id, err := q.Listen(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}

			d.log.ErrorContext(ctx, "fast path listen failed", slog.String("error", err.Error()))

			// a dead queue connection fails immediately, so pace the
			// retries instead of spinning
			select {
			case <-ctx.Done():
			case <-time.After(d.fastPathRetryDelay):
			}
			continue
		}

		p.Go(func(ctx context.Context) error {
			d.publishOne(ctx, id)
			return nil
		})
	}

	return p.Wait()
}

// publishOne attempts to claim and publish a single notified entry.
// Losing the claim is not an error, the entry was either already
// taken by a sweep or is not due yet.
func (d *Dispatcher) publishOne(ctx context.Context, id int64) {
	entry, won, err := d.store.ClaimOne(ctx, id, d.hostID)
	d.metrics.recordFastPathClaim(ctx, won && err == nil)
	if err != nil {
		d.log.ErrorContext(ctx, "fast path claim failed", slog.Int64("entry", id), slog.String("error", err.Error()))
		return
	}
	if !won {
		return
	}

	_, err = d.dispatchEntry(ctx, entry)
	if err != nil {
		d.log.ErrorContext(ctx, "failed to settle outbox entry", slog.Int64("entry", id), slog.String("error", err.Error()))
	}
}
