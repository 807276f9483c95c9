// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dlq provides the dead letter queue for permanently failed
// commands.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/z5labs/keel/command"
)

// Entry is one parked command. The queue is append only: entries are
// inspected and replayed by operators, never mutated.
type Entry struct {
	ID           string
	CommandID    string
	CommandName  string
	BusinessKey  string
	Payload      []byte
	FailedStatus string
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}

// NewEntry builds the dead letter entry for a failed command.
func NewEntry(cmd command.Command, cause error, parkedBy string) Entry {
	return Entry{
		ID:           uuid.NewString(),
		CommandID:    cmd.ID,
		CommandName:  cmd.Name,
		BusinessKey:  cmd.BusinessKey,
		Payload:      cmd.Payload,
		FailedStatus: string(command.StatusFailed),
		ErrorClass:   string(command.Classify(cause)),
		ErrorMessage: command.ErrorMessage(cause),
		Attempts:     cmd.Retries,
		ParkedBy:     parkedBy,
		ParkedAt:     time.Now().UTC(),
	}
}

// Store persists dead letter entries.
type Store interface {
	// Park appends the entry. It runs in the same transaction as the
	// FAILED transition it records.
	Park(ctx context.Context, e Entry) error

	// List returns up to limit entries, newest first. Operators use
	// it to inspect parked commands before replaying them.
	List(ctx context.Context, limit int) ([]Entry, error)
}
