// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package outbox provides the producer side durable queue bridging
// the database and the message brokers.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Category routes an [Entry] to its broker: commands and replies go
// to the message queue, events go to the log.
type Category string

const (
	CategoryCommand Category = "command"
	CategoryReply   Category = "reply"
	CategoryEvent   Category = "event"
)

// Status is the delivery state of an [Entry].
type Status string

const (
	StatusNew       Status = "NEW"
	StatusClaimed   Status = "CLAIMED"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Entry is one durable delivery intent. It is inserted in the same
// transaction as the state change it announces and published by the
// dispatcher afterwards.
type Entry struct {
	ID          int64
	Category    Category
	Topic       string
	Key         string
	Type        string
	Payload     json.RawMessage
	Headers     map[string]string
	Status      Status
	Attempts    int
	NextAt      *time.Time
	ClaimedAt   *time.Time
	ClaimedBy   string
	CreatedAt   time.Time
	PublishedAt *time.Time
	LastError   string
}

// ErrNotFound is returned when a guarded mutation matched no entry,
// either because the id does not exist or the entry is not in the
// state the mutation requires.
var ErrNotFound = errors.New("outbox: entry not found")

// Store persists outbox entries and implements the claim protocol the
// dispatcher relies on.
//
// Claiming must be atomic and race free under concurrent dispatchers:
// two claimers never receive the same entry. The claim timeout, after
// which a CLAIMED entry counts as stuck, is implementation
// configuration.
type Store interface {
	// Insert adds a NEW entry and returns its server assigned,
	// strictly monotonic id.
	Insert(ctx context.Context, e Entry) (int64, error)

	// Claim atomically claims up to max publishable entries for
	// claimerID. Publishable means NEW with no future nextAt, plus
	// CLAIMED entries whose claim is older than the claim timeout.
	// Entries are returned in (nextAt, createdAt) order.
	Claim(ctx context.Context, max int, claimerID string) ([]Entry, error)

	// ClaimOne claims the specific entry if it is still NEW and due.
	// The boolean reports whether the claim won; losing is not an
	// error since the sweeper will pick the entry up eventually.
	ClaimOne(ctx context.Context, id int64, claimerID string) (Entry, bool, error)

	// MarkPublished transitions CLAIMED to PUBLISHED.
	MarkPublished(ctx context.Context, id int64) error

	// Reschedule returns a CLAIMED entry to NEW with nextAt pushed
	// out by backoff, incrementing attempts and recording the error.
	Reschedule(ctx context.Context, id int64, backoff time.Duration, cause string) error

	// MarkFailed transitions CLAIMED to FAILED, taking the entry out
	// of rotation for good. The dispatcher uses it when an entry can
	// never be published, like an unroutable category. Redriving a
	// FAILED entry is an operator action.
	MarkFailed(ctx context.Context, id int64, cause string) error

	// RecoverStuck returns every CLAIMED entry claimed before
	// olderThan back to NEW, clearing the claim. It returns the
	// number of entries recovered.
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)
}

// Backoff computes the delay before an entry becomes claimable again,
// doubling per attempt from two seconds and clamping at maxBackoff.
func Backoff(attempts int, maxBackoff time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	d := time.Duration(1<<min(attempts, 8)) * time.Second
	return min(d, maxBackoff)
}
