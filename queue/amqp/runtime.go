// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package amqp

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sourcegraph/conc/pool"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/queue"
)

// Runtime consumes one or more durable queues and feeds each delivery
// to a [queue.Processor].
//
// Acknowledgement is manual. A delivery is acknowledged only after it
// processed successfully; a processing failure requeues it, so the
// broker redelivers until the processor settles it.
type Runtime struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queues    []string
	processor queue.Processor[Message]
	metrics   *metricsRecorder
	log       *slog.Logger
}

// NewRuntime creates a [Runtime] consuming the given queues. The
// queues are declared durable up front so consuming does not race
// their creation.
func NewRuntime(ctx context.Context, cfg Config, queues []string, p queue.Processor[Message]) (*Runtime, error) {
	conn, ch, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	prefetch, err := readOr(ctx, 32, cfg.Prefetch)
	if err != nil {
		conn.Close()
		return nil, err
	}

	err = ch.Qos(prefetch, 0, false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	for _, name := range queues {
		err = declareQueue(ch, name)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Runtime{
		conn:      conn,
		ch:        ch,
		queues:    queues,
		processor: p,
		metrics:   metrics,
		log:       keel.Logger("github.com/z5labs/keel/queue/amqp"),
	}, nil
}

// ProcessQueue implements the [queue.Runtime] interface.
//
// Each queue is consumed on its own goroutine. ProcessQueue blocks
// until the context is cancelled or the connection is lost.
func (rt *Runtime) ProcessQueue(ctx context.Context) error {
	defer rt.conn.Close()

	// Closing the connection ends every delivery channel, which is
	// what unblocks the consuming goroutines below.
	stop := context.AfterFunc(ctx, func() {
		rt.conn.Close()
	})
	defer stop()

	p := pool.New().WithContext(ctx)
	for _, name := range rt.queues {
		deliveries, err := rt.ch.Consume(
			name,
			"",    // consumer tag
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			return err
		}

		p.Go(func(ctx context.Context) error {
			for delivery := range deliveries {
				rt.processDelivery(ctx, name, delivery)
			}
			return ctx.Err()
		})
	}

	return p.Wait()
}

func (rt *Runtime) processDelivery(ctx context.Context, queueName string, delivery amqp.Delivery) {
	err := rt.processor.Process(ctx, messageFrom(queueName, delivery))
	if err != nil {
		rt.metrics.recordProcessingFailure(ctx, queueName)
		rt.log.ErrorContext(ctx, "failed to process delivery",
			slog.String("messaging.destination.name", queueName),
			slog.String("error", err.Error()),
		)

		nackErr := delivery.Nack(false, true)
		if nackErr != nil {
			rt.log.WarnContext(ctx, "failed to requeue delivery",
				slog.String("messaging.destination.name", queueName),
				slog.String("error", nackErr.Error()),
			)
			return
		}
		rt.metrics.recordMessageRequeued(ctx, queueName)
		return
	}

	ackErr := delivery.Ack(false)
	if ackErr != nil {
		// An unacknowledged delivery is redelivered once the channel
		// recovers, which at least once delivery tolerates.
		rt.log.WarnContext(ctx, "failed to acknowledge delivery",
			slog.String("messaging.destination.name", queueName),
			slog.String("error", ackErr.Error()),
		)
		return
	}
	rt.metrics.recordMessageProcessed(ctx, queueName)
}

func messageFrom(queueName string, delivery amqp.Delivery) Message {
	return Message{
		Queue:     queueName,
		Key:       delivery.RoutingKey,
		Type:      delivery.Type,
		Body:      delivery.Body,
		Headers:   headerMap(delivery.Headers),
		Timestamp: delivery.Timestamp,
	}
}
