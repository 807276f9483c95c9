// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/dlq"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

type commandStore struct {
	st *state
}

func (s commandStore) SavePending(_ context.Context, cmd command.Command) error {
	if _, ok := s.st.commands[cmd.ID]; ok {
		return fmt.Errorf("memory: command %s already exists", cmd.ID)
	}
	for _, c := range s.st.commands {
		if cmd.IdempotencyKey != "" && c.IdempotencyKey == cmd.IdempotencyKey {
			return command.DuplicateIdempotencyKeyError{Key: cmd.IdempotencyKey}
		}
		if cmd.BusinessKey != "" && c.Name == cmd.Name && c.BusinessKey == cmd.BusinessKey {
			return command.DuplicateCommandError{Name: cmd.Name, BusinessKey: cmd.BusinessKey}
		}
	}

	now := time.Now().UTC()
	cmd.Status = command.StatusPending
	cmd.ReplyHeaders = maps.Clone(cmd.ReplyHeaders)
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = now
	}
	cmd.UpdatedAt = now

	s.st.commands[cmd.ID] = cmd
	return nil
}

func (s commandStore) ExistsByIdempotencyKey(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	for _, c := range s.st.commands {
		if c.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (s commandStore) Find(_ context.Context, id string) (command.Command, error) {
	c, ok := s.st.commands[id]
	if !ok {
		return command.Command{}, command.ErrNotFound
	}
	c.ReplyHeaders = maps.Clone(c.ReplyHeaders)
	return c, nil
}

func (s commandStore) MarkRunning(_ context.Context, id string, leaseUntil time.Time) error {
	c, ok := s.st.commands[id]
	if !ok {
		return command.ErrNotFound
	}

	now := time.Now().UTC()
	expired := c.Status == command.StatusRunning && c.LeaseUntil != nil && c.LeaseUntil.Before(now)
	if c.Status != command.StatusPending && !expired {
		return command.InvalidTransitionError{ID: id, From: c.Status, To: command.StatusRunning}
	}

	c.Status = command.StatusRunning
	c.LeaseUntil = &leaseUntil
	c.UpdatedAt = now
	s.st.commands[id] = c
	return nil
}

func (s commandStore) MarkSucceeded(_ context.Context, id string) error {
	return s.transition(id, command.StatusSucceeded, "")
}

func (s commandStore) MarkFailed(_ context.Context, id string, reason string) error {
	return s.transition(id, command.StatusFailed, reason)
}

func (s commandStore) MarkTimedOut(_ context.Context, id string, reason string) error {
	return s.transition(id, command.StatusTimedOut, reason)
}

func (s commandStore) transition(id string, to command.Status, reason string) error {
	c, ok := s.st.commands[id]
	if !ok {
		return command.ErrNotFound
	}
	if !c.Status.CanTransition(to) {
		return command.InvalidTransitionError{ID: id, From: c.Status, To: to}
	}

	c.Status = to
	c.LeaseUntil = nil
	if reason != "" {
		c.LastError = reason
	}
	c.UpdatedAt = time.Now().UTC()
	s.st.commands[id] = c
	return nil
}

func (s commandStore) BumpRetry(_ context.Context, id string, cause string) error {
	c, ok := s.st.commands[id]
	if !ok {
		return command.ErrNotFound
	}

	c.Retries++
	c.LastError = cause
	c.UpdatedAt = time.Now().UTC()
	s.st.commands[id] = c
	return nil
}

func (s commandStore) RecoverExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, c := range s.st.commands {
		if c.Status != command.StatusRunning || c.LeaseUntil == nil || !c.LeaseUntil.Before(now) {
			continue
		}

		c.Status = command.StatusPending
		c.LeaseUntil = nil
		c.Retries++
		c.UpdatedAt = time.Now().UTC()
		s.st.commands[id] = c
		n++
	}
	return n, nil
}

type inboxStore struct {
	st *state
}

func (s inboxStore) MarkIfAbsent(_ context.Context, messageID, handler string) (bool, error) {
	key := inboxKey{messageID: messageID, handler: handler}
	if _, ok := s.st.inbox[key]; ok {
		return false, nil
	}

	s.st.inbox[key] = time.Now().UTC()
	return true, nil
}

type outboxStore struct {
	st           *state
	claimTimeout time.Duration
}

func (s outboxStore) Insert(_ context.Context, e outbox.Entry) (int64, error) {
	s.st.nextOutboxID++
	e.ID = s.st.nextOutboxID
	e.Status = outbox.StatusNew
	e.Headers = maps.Clone(e.Headers)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.st.outbox[e.ID] = e
	return e.ID, nil
}

func (s outboxStore) claimable(e outbox.Entry, now time.Time) bool {
	switch e.Status {
	case outbox.StatusNew:
		return e.NextAt == nil || !e.NextAt.After(now)
	case outbox.StatusClaimed:
		return e.ClaimedAt != nil && e.ClaimedAt.Before(now.Add(-s.claimTimeout))
	default:
		return false
	}
}

func (s outboxStore) Claim(_ context.Context, max int, claimerID string) ([]outbox.Entry, error) {
	now := time.Now().UTC()

	var eligible []outbox.Entry
	for _, e := range s.st.outbox {
		if s.claimable(e, now) {
			eligible = append(eligible, e)
		}
	}
	slices.SortFunc(eligible, func(a, b outbox.Entry) int {
		an, bn := coalesce(a.NextAt), coalesce(b.NextAt)
		if !an.Equal(bn) {
			return an.Compare(bn)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(eligible) > max {
		eligible = eligible[:max]
	}

	for i, e := range eligible {
		e.Status = outbox.StatusClaimed
		claimedAt := now
		e.ClaimedAt = &claimedAt
		e.ClaimedBy = claimerID
		s.st.outbox[e.ID] = e
		eligible[i] = e
	}
	return eligible, nil
}

func (s outboxStore) ClaimOne(_ context.Context, id int64, claimerID string) (outbox.Entry, bool, error) {
	e, ok := s.st.outbox[id]
	if !ok {
		return outbox.Entry{}, false, nil
	}

	now := time.Now().UTC()
	if e.Status != outbox.StatusNew || (e.NextAt != nil && e.NextAt.After(now)) {
		return outbox.Entry{}, false, nil
	}

	e.Status = outbox.StatusClaimed
	e.ClaimedAt = &now
	e.ClaimedBy = claimerID
	s.st.outbox[id] = e
	return e, true, nil
}

func (s outboxStore) MarkPublished(_ context.Context, id int64) error {
	e, ok := s.st.outbox[id]
	if !ok || e.Status != outbox.StatusClaimed {
		return outbox.ErrNotFound
	}

	now := time.Now().UTC()
	e.Status = outbox.StatusPublished
	e.PublishedAt = &now
	e.ClaimedAt = nil
	e.ClaimedBy = ""
	s.st.outbox[id] = e
	return nil
}

func (s outboxStore) Reschedule(_ context.Context, id int64, backoff time.Duration, cause string) error {
	e, ok := s.st.outbox[id]
	if !ok || e.Status != outbox.StatusClaimed {
		return outbox.ErrNotFound
	}

	nextAt := time.Now().UTC().Add(backoff)
	e.Status = outbox.StatusNew
	e.NextAt = &nextAt
	e.Attempts++
	e.LastError = cause
	e.ClaimedAt = nil
	e.ClaimedBy = ""
	s.st.outbox[id] = e
	return nil
}

func (s outboxStore) MarkFailed(_ context.Context, id int64, cause string) error {
	e, ok := s.st.outbox[id]
	if !ok || e.Status != outbox.StatusClaimed {
		return outbox.ErrNotFound
	}

	e.Status = outbox.StatusFailed
	e.LastError = cause
	e.ClaimedAt = nil
	e.ClaimedBy = ""
	s.st.outbox[id] = e
	return nil
}

func (s outboxStore) RecoverStuck(_ context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, e := range s.st.outbox {
		if e.Status != outbox.StatusClaimed || e.ClaimedAt == nil || !e.ClaimedAt.Before(olderThan) {
			continue
		}

		e.Status = outbox.StatusNew
		e.ClaimedAt = nil
		e.ClaimedBy = ""
		s.st.outbox[id] = e
		n++
	}
	return n, nil
}

func coalesce(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

type dlqStore struct {
	st *state
}

func (s dlqStore) Park(_ context.Context, e dlq.Entry) error {
	s.st.dlq = append(s.st.dlq, e)
	return nil
}

func (s dlqStore) List(_ context.Context, limit int) ([]dlq.Entry, error) {
	entries := slices.Clone(s.st.dlq)
	slices.SortStableFunc(entries, func(a, b dlq.Entry) int {
		return b.ParkedAt.Compare(a.ParkedAt)
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

type processStore struct {
	st *state
}

func (s processStore) Save(_ context.Context, inst process.Instance) error {
	if _, ok := s.st.instances[inst.ID]; ok {
		return fmt.Errorf("memory: process %s already exists", inst.ID)
	}
	for _, other := range s.st.instances {
		if other.Type == inst.Type && other.BusinessKey == inst.BusinessKey && !other.Status.Terminal() {
			return process.DuplicateProcessError{ProcessType: inst.Type, BusinessKey: inst.BusinessKey}
		}
	}

	inst.Data = maps.Clone(inst.Data)
	inst.UpdatedAt = time.Now().UTC()
	s.st.instances[inst.ID] = inst
	return nil
}

func (s processStore) Update(_ context.Context, inst process.Instance) error {
	if _, ok := s.st.instances[inst.ID]; !ok {
		return process.ErrNotFound
	}

	inst.Data = maps.Clone(inst.Data)
	inst.UpdatedAt = time.Now().UTC()
	s.st.instances[inst.ID] = inst
	return nil
}

func (s processStore) Find(_ context.Context, processID string) (process.Instance, error) {
	inst, ok := s.st.instances[processID]
	if !ok {
		return process.Instance{}, process.ErrNotFound
	}
	inst.Data = maps.Clone(inst.Data)
	return inst, nil
}

func (s processStore) AppendLog(_ context.Context, processID string, ev process.Event) (int64, error) {
	ev.Data = maps.Clone(ev.Data)

	seq := int64(len(s.st.logs[processID]) + 1)
	s.st.logs[processID] = append(s.st.logs[processID], process.LogEntry{
		ProcessID: processID,
		Seq:       seq,
		At:        time.Now().UTC(),
		Event:     ev,
	})
	return seq, nil
}

func (s processStore) Log(_ context.Context, processID string) ([]process.LogEntry, error) {
	return slices.Clone(s.st.logs[processID]), nil
}
