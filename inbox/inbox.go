// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package inbox provides the consumer side deduplication set.
package inbox

import "context"

// Store records which (message id, handler) pairs have been processed.
//
// The pair is the deduplication gate at the top of every executor
// transaction: the insert must be atomic against concurrent writers,
// typically through a unique primary key with insert-ignore semantics.
// An entry only becomes durable when the surrounding transaction
// commits, so a rolled back processing leaves no trace and the message
// can be redelivered.
type Store interface {
	// MarkIfAbsent records the pair and reports whether this is the
	// first observation. False means the message was already processed
	// by the named handler.
	MarkIfAbsent(ctx context.Context, messageID, handler string) (bool, error)
}
