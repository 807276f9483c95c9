// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package memory provides in-memory realizations of every store
// contract and the unit of work. It backs package tests and local
// development where a database would be in the way.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/dlq"
	"github.com/z5labs/keel/executor"
	"github.com/z5labs/keel/inbox"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

type inboxKey struct {
	messageID string
	handler   string
}

// state holds all tables. Stores replace whole values on write, they
// never mutate stored values in place, which is what makes the
// shallow clone below a valid snapshot.
type state struct {
	commands     map[string]command.Command
	inbox        map[inboxKey]time.Time
	outbox       map[int64]outbox.Entry
	nextOutboxID int64
	dlq          []dlq.Entry
	instances    map[string]process.Instance
	logs         map[string][]process.LogEntry
}

func newState() *state {
	return &state{
		commands:  make(map[string]command.Command),
		inbox:     make(map[inboxKey]time.Time),
		outbox:    make(map[int64]outbox.Entry),
		instances: make(map[string]process.Instance),
		logs:      make(map[string][]process.LogEntry),
	}
}

func (s *state) clone() *state {
	return &state{
		commands:     maps.Clone(s.commands),
		inbox:        maps.Clone(s.inbox),
		outbox:       maps.Clone(s.outbox),
		nextOutboxID: s.nextOutboxID,
		dlq:          slices.Clone(s.dlq),
		instances:    maps.Clone(s.instances),
		logs:         maps.Clone(s.logs),
	}
}

// Option configures a [DB].
type Option func(*DB)

// ClaimTimeout sets how old a claim must be before the entry counts
// as stuck and becomes claimable again.
func ClaimTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.claimTimeout = d
	}
}

// DB is the in-memory database. The zero value is not usable, always
// initialize with [New].
type DB struct {
	mu           sync.Mutex
	st           *state
	claimTimeout time.Duration
}

// New initializes an empty [DB].
func New(opts ...Option) *DB {
	db := &DB{
		st:           newState(),
		claimTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Do implements [executor.UnitOfWork]. The whole database is locked
// for the duration and restored from a snapshot when fn fails, which
// mirrors a serializable transaction with rollback.
func (db *DB) Do(ctx context.Context, fn func(context.Context, executor.Stores) error) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	snap := db.st.clone()
	err = fn(ctx, db.txStores())
	if err != nil {
		db.st = snap
		return err
	}
	return nil
}

func (db *DB) txStores() executor.Stores {
	return executor.Stores{
		Commands:  commandStore{st: db.st},
		Inbox:     inboxStore{st: db.st},
		Outbox:    outboxStore{st: db.st, claimTimeout: db.claimTimeout},
		DLQ:       dlqStore{st: db.st},
		Processes: processStore{st: db.st},
	}
}

// CommandStore returns a store view with per-operation locking, for
// use outside a unit of work.
func (db *DB) CommandStore() command.Store {
	return lockedCommandStore{db: db}
}

// InboxStore returns a store view with per-operation locking.
func (db *DB) InboxStore() inbox.Store {
	return lockedInboxStore{db: db}
}

// OutboxStore returns a store view with per-operation locking, for
// use by the dispatcher outside a unit of work.
func (db *DB) OutboxStore() outbox.Store {
	return lockedOutboxStore{db: db}
}

// DLQStore returns a store view with per-operation locking.
func (db *DB) DLQStore() dlq.Store {
	return lockedDLQStore{db: db}
}

// ProcessStore returns a store view with per-operation locking.
func (db *DB) ProcessStore() process.Store {
	return lockedProcessStore{db: db}
}

// Command returns the stored command with the given id.
func (db *DB) Command(id string) (command.Command, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.st.commands[id]
	if !ok {
		return command.Command{}, false
	}
	c.ReplyHeaders = maps.Clone(c.ReplyHeaders)
	return c, true
}

// Commands returns all stored commands ordered by request time.
func (db *DB) Commands() []command.Command {
	db.mu.Lock()
	defer db.mu.Unlock()

	cmds := make([]command.Command, 0, len(db.st.commands))
	for _, c := range db.st.commands {
		c.ReplyHeaders = maps.Clone(c.ReplyHeaders)
		cmds = append(cmds, c)
	}
	slices.SortFunc(cmds, func(a, b command.Command) int {
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.Compare(b.RequestedAt)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return cmds
}

// OutboxEntries returns all outbox entries in id order.
func (db *DB) OutboxEntries() []outbox.Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	entries := make([]outbox.Entry, 0, len(db.st.outbox))
	for _, e := range db.st.outbox {
		e.Headers = maps.Clone(e.Headers)
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b outbox.Entry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return entries
}

// DLQEntries returns all dead letter entries in park order.
func (db *DB) DLQEntries() []dlq.Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	return slices.Clone(db.st.dlq)
}

// Instance returns the stored process instance with the given id.
func (db *DB) Instance(id string) (process.Instance, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	inst, ok := db.st.instances[id]
	if !ok {
		return process.Instance{}, false
	}
	inst.Data = maps.Clone(inst.Data)
	return inst, true
}

// InstanceByKey returns the stored process instance for the
// (process type, business key) pair, preferring a live one.
func (db *DB) InstanceByKey(processType, businessKey string) (process.Instance, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var found process.Instance
	var ok bool
	for _, inst := range db.st.instances {
		if inst.Type != processType || inst.BusinessKey != businessKey {
			continue
		}

		if !ok || !inst.Status.Terminal() {
			found = inst
			ok = true
		}
	}
	if !ok {
		return process.Instance{}, false
	}
	found.Data = maps.Clone(found.Data)
	return found, true
}

// ProcessLog returns the event log of the given process in sequence
// order.
func (db *DB) ProcessLog(id string) []process.LogEntry {
	db.mu.Lock()
	defer db.mu.Unlock()

	return slices.Clone(db.st.logs[id])
}

// InboxContains reports whether the (message id, handler) pair was
// recorded.
func (db *DB) InboxContains(messageID, handler string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, ok := db.st.inbox[inboxKey{messageID: messageID, handler: handler}]
	return ok
}
