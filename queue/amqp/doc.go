// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package amqp implements the command and reply side of the message
// fabric with RabbitMQ.
//
// Two surfaces are provided. [Publisher] delivers claimed outbox
// entries of category command and reply to their queues and is
// plugged into the outbox dispatcher. [Runtime] consumes durable
// queues with manual acknowledgement and feeds deliveries to a
// [queue.Processor].
//
// Delivery is at least once: a delivery is only acknowledged after it
// was processed successfully and is otherwise requeued. Processors
// must be idempotent; the command executor's inbox gate provides
// exactly that.
package amqp
