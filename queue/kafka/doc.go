// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kafka implements the event side of the message fabric with
// franz-go.
//
// Two surfaces are provided. [Publisher] delivers claimed outbox
// entries of category event to their topics and is plugged into the
// outbox dispatcher. [Runtime] is a consumer group runtime which feeds
// consumed records, in partition order, to a [queue.Processor].
//
// The runtime consumes at least once: auto commit is disabled and for
// every partition only the prefix of successfully processed records is
// committed. A failed record rewinds the partition to its offset, so
// it and everything after it is polled again. Processors must be
// idempotent; the command executor's inbox gate provides exactly that.
package kafka
