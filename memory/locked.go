// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package memory

import (
	"context"
	"time"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/dlq"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

// The locked views take the database lock per operation. Each call is
// its own atomic statement, which is how the dispatcher and other
// callers outside a unit of work use the stores.

type lockedCommandStore struct {
	db *DB
}

func (s lockedCommandStore) SavePending(ctx context.Context, cmd command.Command) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.SavePending(ctx, cmd)
}

func (s lockedCommandStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.ExistsByIdempotencyKey(ctx, key)
}

func (s lockedCommandStore) Find(ctx context.Context, id string) (command.Command, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.Find(ctx, id)
}

func (s lockedCommandStore) MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.MarkRunning(ctx, id, leaseUntil)
}

func (s lockedCommandStore) MarkSucceeded(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.MarkSucceeded(ctx, id)
}

func (s lockedCommandStore) MarkFailed(ctx context.Context, id string, reason string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.MarkFailed(ctx, id, reason)
}

func (s lockedCommandStore) MarkTimedOut(ctx context.Context, id string, reason string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.MarkTimedOut(ctx, id, reason)
}

func (s lockedCommandStore) BumpRetry(ctx context.Context, id string, cause string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.BumpRetry(ctx, id, cause)
}

func (s lockedCommandStore) RecoverExpired(ctx context.Context, now time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return commandStore{st: s.db.st}.RecoverExpired(ctx, now)
}

type lockedInboxStore struct {
	db *DB
}

func (s lockedInboxStore) MarkIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return inboxStore{st: s.db.st}.MarkIfAbsent(ctx, messageID, handler)
}

type lockedOutboxStore struct {
	db *DB
}

func (s lockedOutboxStore) store() outboxStore {
	return outboxStore{st: s.db.st, claimTimeout: s.db.claimTimeout}
}

func (s lockedOutboxStore) Insert(ctx context.Context, e outbox.Entry) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().Insert(ctx, e)
}

func (s lockedOutboxStore) Claim(ctx context.Context, max int, claimerID string) ([]outbox.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().Claim(ctx, max, claimerID)
}

func (s lockedOutboxStore) ClaimOne(ctx context.Context, id int64, claimerID string) (outbox.Entry, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().ClaimOne(ctx, id, claimerID)
}

func (s lockedOutboxStore) MarkPublished(ctx context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().MarkPublished(ctx, id)
}

func (s lockedOutboxStore) Reschedule(ctx context.Context, id int64, backoff time.Duration, cause string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().Reschedule(ctx, id, backoff, cause)
}

func (s lockedOutboxStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().MarkFailed(ctx, id, cause)
}

func (s lockedOutboxStore) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.store().RecoverStuck(ctx, olderThan)
}

type lockedDLQStore struct {
	db *DB
}

func (s lockedDLQStore) Park(ctx context.Context, e dlq.Entry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return dlqStore{st: s.db.st}.Park(ctx, e)
}

func (s lockedDLQStore) List(ctx context.Context, limit int) ([]dlq.Entry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return dlqStore{st: s.db.st}.List(ctx, limit)
}

type lockedProcessStore struct {
	db *DB
}

func (s lockedProcessStore) Save(ctx context.Context, inst process.Instance) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return processStore{st: s.db.st}.Save(ctx, inst)
}

func (s lockedProcessStore) Update(ctx context.Context, inst process.Instance) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return processStore{st: s.db.st}.Update(ctx, inst)
}

func (s lockedProcessStore) Find(ctx context.Context, processID string) (process.Instance, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return processStore{st: s.db.st}.Find(ctx, processID)
}

func (s lockedProcessStore) AppendLog(ctx context.Context, processID string, ev process.Event) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return processStore{st: s.db.st}.AppendLog(ctx, processID, ev)
}

func (s lockedProcessStore) Log(ctx context.Context, processID string) ([]process.LogEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return processStore{st: s.db.st}.Log(ctx, processID)
}
