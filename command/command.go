// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package command defines the command model, its lifecycle and the
// store contract which persists it.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a [Command].
//
// Transitions are monotonic: PENDING to RUNNING, RUNNING to one of the
// terminal states. There are two exceptions: RUNNING back to PENDING
// when a processing lease expires before the worker finishes, and
// PENDING to TIMED_OUT because a deadline is recorded after the
// processing transaction already rolled the RUNNING transition back.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusTimedOut
	case StatusRunning:
		return next == StatusSucceeded ||
			next == StatusFailed ||
			next == StatusTimedOut ||
			next == StatusPending
	default:
		return false
	}
}

// Command is a named intent to mutate domain state. It is deduplicated
// by IdempotencyKey at submission and by the inbox at delivery.
type Command struct {
	ID             string
	Name           string
	BusinessKey    string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         Status
	Retries        int
	LeaseUntil     *time.Time
	LastError      string
	ReplyHeaders   map[string]string
	RequestedAt    time.Time
	UpdatedAt      time.Time
}

// New constructs a PENDING command with a freshly assigned id.
func New(name, idempotencyKey, businessKey string, payload json.RawMessage, replyHeaders map[string]string) Command {
	now := time.Now().UTC()
	return Command{
		ID:             uuid.NewString(),
		Name:           name,
		BusinessKey:    businessKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		ReplyHeaders:   replyHeaders,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
}

// ErrNotFound is returned by [Store.Find] when no command exists for
// the given id.
var ErrNotFound = errors.New("command: not found")

// DuplicateIdempotencyKeyError signals that a command with the same
// idempotency key was already accepted.
type DuplicateIdempotencyKeyError struct {
	Key string
}

func (e DuplicateIdempotencyKeyError) Error() string {
	return fmt.Sprintf("command: duplicate idempotency key: %s", e.Key)
}

// DuplicateCommandError signals that a command with the same name and
// business key was already accepted.
type DuplicateCommandError struct {
	Name        string
	BusinessKey string
}

func (e DuplicateCommandError) Error() string {
	return fmt.Sprintf("command: duplicate command: %s (business key %s)", e.Name, e.BusinessKey)
}

// InvalidTransitionError signals a store mutation which would violate
// the lifecycle rules, like marking a SUCCEEDED command RUNNING.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("command: invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
}

// Store persists commands and enforces their lifecycle transitions.
//
// Implementations must be safe for concurrent use. All mutations are
// guarded: a mutation whose precondition does not hold returns
// [InvalidTransitionError] instead of silently overwriting state.
type Store interface {
	// SavePending inserts a new PENDING command. It fails with
	// [DuplicateIdempotencyKeyError] if the idempotency key exists
	// and with [DuplicateCommandError] if the (name, business key)
	// pair exists.
	SavePending(ctx context.Context, cmd Command) error

	// ExistsByIdempotencyKey reports whether any command was ever
	// accepted with the given key.
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)

	// Find returns the command with the given id or [ErrNotFound].
	Find(ctx context.Context, id string) (Command, error)

	// MarkRunning transitions PENDING to RUNNING and sets the lease.
	// A RUNNING command whose lease has already elapsed may also be
	// re-leased, which is how another worker takes over after a crash.
	MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error

	// MarkSucceeded transitions RUNNING to SUCCEEDED.
	MarkSucceeded(ctx context.Context, id string) error

	// MarkFailed transitions RUNNING to FAILED and records the error.
	MarkFailed(ctx context.Context, id string, reason string) error

	// MarkTimedOut transitions to TIMED_OUT and records the reason.
	// The command may be PENDING again by the time this runs, since
	// the deadline rolled the processing transaction back.
	MarkTimedOut(ctx context.Context, id string, reason string) error

	// BumpRetry increments the retry counter and records the error
	// without changing status. It runs in its own transaction so the
	// count survives the rollback which triggered it.
	BumpRetry(ctx context.Context, id string, cause string) error

	// RecoverExpired transitions every RUNNING command whose lease
	// elapsed before now back to PENDING, bumping its retry counter.
	// It returns the number of commands recovered.
	RecoverExpired(ctx context.Context, now time.Time) (int64, error)
}
