// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package queue

import (
	"context"
	"errors"

	"github.com/z5labs/keel/app"
)

// ErrEndOfQueue should be returned by [Consumer]s that are consuming
// from a finite queue. It signals to [Runtime] implementations that
// the queue is exhausted and processing should shut down gracefully.
var ErrEndOfQueue = errors.New("queue: no more items")

// Consumer consumes message(s), T, from a queue.
//
// Implementations should return [ErrEndOfQueue] when the queue is
// exhausted to signal graceful shutdown to [Runtime] implementations.
type Consumer[T any] interface {
	Consume(context.Context) (T, error)
}

// ConsumerFunc is an adapter to allow the use of ordinary functions as [Consumer]s.
type ConsumerFunc[T any] func(context.Context) (T, error)

// Consume implements the [Consumer] interface.
func (f ConsumerFunc[T]) Consume(ctx context.Context) (T, error) {
	return f(ctx)
}

// Processor implements the business logic for processing message(s), T.
//
// Process is called after a message is consumed and before it is acknowledged.
type Processor[T any] interface {
	Process(context.Context, T) error
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as [Processor]s.
type ProcessorFunc[T any] func(context.Context, T) error

// Process implements the [Processor] interface.
func (f ProcessorFunc[T]) Process(ctx context.Context, t T) error {
	return f(ctx, t)
}

// Acknowledger tells the queue that message(s), T, have been successfully processed.
type Acknowledger[T any] interface {
	Acknowledge(context.Context, T) error
}

// AcknowledgerFunc is an adapter to allow the use of ordinary functions as [Acknowledger]s.
type AcknowledgerFunc[T any] func(context.Context, T) error

// Acknowledge implements the [Acknowledger] interface.
func (f AcknowledgerFunc[T]) Acknowledge(ctx context.Context, t T) error {
	return f(ctx, t)
}

// ProcessAtLeastOnce consumes, processes and then acknowledges one
// message. The message is only acknowledged after it was successfully
// processed, so a failed processing leaves it on the queue for
// redelivery. Processors must be idempotent.
func ProcessAtLeastOnce[T any](ctx context.Context, c Consumer[T], p Processor[T], a Acknowledger[T]) error {
	msg, err := c.Consume(ctx)
	if err != nil {
		return err
	}

	err = p.Process(ctx, msg)
	if err != nil {
		return err
	}

	return a.Acknowledge(ctx, msg)
}

// ProcessAtMostOnce consumes, acknowledges and then processes one
// message. The message is gone from the queue before its processing
// outcome is known, so a failed processing loses it.
func ProcessAtMostOnce[T any](ctx context.Context, c Consumer[T], p Processor[T], a Acknowledger[T]) error {
	msg, err := c.Consume(ctx)
	if err != nil {
		return err
	}

	err = a.Acknowledge(ctx, msg)
	if err != nil {
		return err
	}

	return p.Process(ctx, msg)
}

// Runtime orchestrates the message queue processing lifecycle.
//
// Implementations coordinate [Consumer], [Processor] and
// [Acknowledger] to consume, process and acknowledge messages.
// ProcessQueue is expected to block until the given context is
// cancelled or [ErrEndOfQueue] is observed.
type Runtime interface {
	ProcessQueue(context.Context) error
}

// RuntimeFunc is an adapter to allow the use of ordinary functions as [Runtime]s.
type RuntimeFunc func(context.Context) error

// ProcessQueue implements the [Runtime] interface.
func (f RuntimeFunc) ProcessQueue(ctx context.Context) error {
	return f(ctx)
}

type appRuntime struct {
	rt Runtime
}

// Run implements the [app.Runtime] interface.
func (a appRuntime) Run(ctx context.Context) error {
	err := a.rt.ProcessQueue(ctx)
	if errors.Is(err, ErrEndOfQueue) {
		return nil
	}
	return err
}

// Build wraps a [Runtime] into an [app.Builder] so queue processing
// services compose with the rest of the application lifecycle.
func Build(rt Runtime) app.Builder[app.Runtime] {
	return app.BuilderFunc[app.Runtime](func(ctx context.Context) (app.Runtime, error) {
		return appRuntime{rt: rt}, nil
	})
}

// Run builds and runs a queue processing service until its context is
// cancelled by an interrupt signal or the queue is exhausted.
func Run(ctx context.Context, rt Runtime) error {
	return app.Run(ctx, Build(rt))
}
