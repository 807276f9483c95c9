// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package queue provides support for creating message queue processing services.
//
// The queue package implements a three-phase message processing pattern that separates
// concerns for consuming, processing, and acknowledging messages from a queue:
//
//   - Consumer: retrieves messages from a queue
//   - Processor: executes business logic on messages
//   - Acknowledger: confirms successful processing back to the queue
//
// Runtime implementations orchestrate these three phases and handle the
// application lifecycle. When a Consumer returns ErrEndOfQueue, it signals
// that the queue is exhausted and the Runtime should shut down gracefully.
//
// # Processing Semantics
//
// Two helpers implement the common delivery guarantees on top of the
// three phases:
//
// ProcessAtLeastOnce acknowledges messages only after successful
// processing, so a failed processing results in redelivery. Every
// consumer feeding the command executor uses this mode: redelivery is
// how a rolled back transaction gets retried, and the executor's
// inbox gate makes redelivered duplicates harmless.
//
// ProcessAtMostOnce acknowledges messages before processing, trading
// possible message loss for never processing a message twice. It has
// no place in the command pipeline and exists for auxiliary streams
// where loss is acceptable.
//
// Broker specific runtimes live in subpackages: [kafka] consumes
// topics with franz-go, [amqp] consumes queues with amqp091.
package queue
