// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package process provides the saga manager: long running workflows
// expressed as a graph of commands with compensations.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an [Instance].
type Status string

const (
	// StatusNew means the instance exists but no step was scheduled.
	StatusNew Status = "NEW"

	// StatusRunning means a step command is outstanding.
	StatusRunning Status = "RUNNING"

	// StatusSucceeded means the terminal step completed.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed means the process failed with nothing to undo, or
	// a compensation itself failed permanently.
	StatusFailed Status = "FAILED"

	// StatusCompensating means a failure triggered the reverse walk.
	StatusCompensating Status = "COMPENSATING"

	// StatusCompensated means every prior compensation completed.
	StatusCompensated Status = "COMPENSATED"

	// StatusPaused means an operator suspended the instance.
	StatusPaused Status = "PAUSED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// Instance is the materialized state of one process. The event log is
// the source of truth; an instance must always equal the result of
// replaying its log.
type Instance struct {
	ID          string
	Type        string
	BusinessKey string
	Status      Status
	CurrentStep string
	Data        map[string]any
	Retries     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// awaitingDataKey is the reserved data key holding the command id of
// the outstanding step. Stale replies are detected by comparing
// against it.
const awaitingDataKey = "awaitingCommandId"

// AwaitingCommandID returns the command id of the outstanding step,
// or an empty string when nothing is awaited.
func (i Instance) AwaitingCommandID() string {
	s, _ := i.Data[awaitingDataKey].(string)
	return s
}

// ErrNotFound is returned by [Store.Find] when no instance exists for
// the given id.
var ErrNotFound = errors.New("process: instance not found")

// DuplicateProcessError signals that a live process already exists for
// the (process type, business key) pair.
type DuplicateProcessError struct {
	ProcessType string
	BusinessKey string
}

func (e DuplicateProcessError) Error() string {
	return fmt.Sprintf("process: %s already running for business key %s", e.ProcessType, e.BusinessKey)
}

// Store persists process instances and their append only event logs.
type Store interface {
	// Save inserts a new instance. It fails with
	// [DuplicateProcessError] if a live instance exists for the same
	// (process type, business key) pair.
	Save(ctx context.Context, inst Instance) error

	// Update overwrites the materialized instance state.
	Update(ctx context.Context, inst Instance) error

	// Find returns the instance with the given id or [ErrNotFound].
	Find(ctx context.Context, processID string) (Instance, error)

	// AppendLog appends ev to the instance log and returns the
	// assigned sequence number. Sequence numbers are strictly
	// increasing per process.
	AppendLog(ctx context.Context, processID string, ev Event) (int64, error)

	// Log returns the full event log in sequence order.
	Log(ctx context.Context, processID string) ([]LogEntry, error)
}
