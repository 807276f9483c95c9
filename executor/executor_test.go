// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/executor"
	"github.com/z5labs/keel/memory"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

func newExecutor(t *testing.T, db *memory.DB, registry *command.Registry, mgr *process.Manager, opts ...executor.Option) *executor.Executor {
	t.Helper()

	opts = append([]executor.Option{executor.WorkerID("test-worker")}, opts...)
	e, err := executor.New(db, registry, mgr, opts...)
	require.NoError(t, err)
	return e
}

// acceptCommand stores a pending command the way the bus would and
// returns the envelope a consumer would deliver for it.
func acceptCommand(t *testing.T, db *memory.DB, name, businessKey string, payload json.RawMessage) envelope.Envelope {
	t.Helper()

	cmd := command.New(name, envelope.NewID(), businessKey, payload, nil)
	require.NoError(t, db.CommandStore().SavePending(t.Context(), cmd))
	return envelope.NewCommand(name, cmd.ID, payload).WithKey(businessKey)
}

func entriesByCategory(entries []outbox.Entry, category outbox.Category) []outbox.Entry {
	var out []outbox.Entry
	for _, e := range entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

func TestExecutor_Process(t *testing.T) {
	t.Run("will commit the outcome", func(t *testing.T) {
		t.Run("if the handler succeeds", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()
			require.NoError(t, registry.Register("CreateUser", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				return map[string]any{"userId": "u-1"}, nil
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "CreateUser", "user-1", json.RawMessage(`{"email":"a@b.c"}`))
			require.NoError(t, e.Process(t.Context(), env))

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusSucceeded, cmd.Status)
			require.True(t, db.InboxContains(env.MessageID, "CommandExecutor"))

			entries := db.OutboxEntries()
			require.Len(t, entries, 2)

			replies := entriesByCategory(entries, outbox.CategoryReply)
			require.Len(t, replies, 1)
			require.Equal(t, "replies", replies[0].Topic)
			require.Equal(t, command.ReplyTypeCompleted, replies[0].Type)
			require.Equal(t, env.CorrelationID, replies[0].Headers[envelope.HeaderCorrelationID])

			var reply command.Reply
			require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
			require.Equal(t, command.ReplySucceeded, reply.Status)
			require.Equal(t, "u-1", reply.Data["userId"])

			events := entriesByCategory(entries, outbox.CategoryEvent)
			require.Len(t, events, 1)
			require.Equal(t, "events.CreateUser", events[0].Topic)
			require.Equal(t, "user-1", events[0].Key)
			require.Equal(t, command.ReplyTypeCompleted, events[0].Type)
		})

		t.Run("if the command settled under another message id", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()
			require.NoError(t, registry.Register("CreateUser", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				return nil, nil
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "CreateUser", "", nil)
			require.NoError(t, e.Process(t.Context(), env))

			redelivered := env
			redelivered.MessageID = envelope.NewID()
			require.NoError(t, e.Process(t.Context(), redelivered))

			require.Len(t, db.OutboxEntries(), 2)
			require.True(t, db.InboxContains(redelivered.MessageID, "CommandExecutor"))
		})
	})

	t.Run("will suppress the delivery", func(t *testing.T) {
		t.Run("if the same message id arrives twice", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()

			calls := 0
			require.NoError(t, registry.Register("CreateUser", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				calls++
				return nil, nil
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "CreateUser", "", nil)
			require.NoError(t, e.Process(t.Context(), env))
			require.NoError(t, e.Process(t.Context(), env))

			require.Equal(t, 1, calls)
			require.Len(t, db.OutboxEntries(), 2)
		})
	})

	t.Run("will park the command", func(t *testing.T) {
		t.Run("if the handler fails permanently", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()
			require.NoError(t, registry.Register("ChargeCard", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				return nil, command.Permanent(errors.New("card expired"))
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "ChargeCard", "card-9", nil)
			require.NoError(t, e.Process(t.Context(), env))

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusFailed, cmd.Status)
			require.Equal(t, "card expired", cmd.LastError)
			require.True(t, db.InboxContains(env.MessageID, "CommandExecutor"))

			parked := db.DLQEntries()
			require.Len(t, parked, 1)
			require.Equal(t, env.CommandID, parked[0].CommandID)
			require.Equal(t, "ChargeCard", parked[0].CommandName)
			require.Equal(t, string(command.ClassPermanent), parked[0].ErrorClass)
			require.Equal(t, "card expired", parked[0].ErrorMessage)
			require.Equal(t, "test-worker", parked[0].ParkedBy)

			entries := db.OutboxEntries()
			require.Len(t, entries, 2)
			for _, entry := range entries {
				require.Equal(t, command.ReplyTypeFailed, entry.Type)
			}

			replies := entriesByCategory(entries, outbox.CategoryReply)
			var reply command.Reply
			require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
			require.Equal(t, command.ReplyFailed, reply.Status)
			require.Equal(t, "card expired", reply.Error)
		})

		t.Run("if no handler is registered for the command", func(t *testing.T) {
			db := memory.New()
			e := newExecutor(t, db, command.NewRegistry(), nil)

			env := acceptCommand(t, db, "Unknown", "", nil)
			require.NoError(t, e.Process(t.Context(), env))

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusFailed, cmd.Status)
			require.Len(t, db.DLQEntries(), 1)
		})
	})

	t.Run("will roll everything back", func(t *testing.T) {
		t.Run("if the handler fails transiently", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()

			calls := 0
			require.NoError(t, registry.Register("CreateUser", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("db down")
				}
				return nil, nil
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "CreateUser", "", nil)

			err := e.Process(t.Context(), env)
			require.ErrorContains(t, err, "db down")

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusPending, cmd.Status)
			require.Equal(t, 1, cmd.Retries)
			require.Equal(t, "db down", cmd.LastError)

			require.False(t, db.InboxContains(env.MessageID, "CommandExecutor"))
			require.Empty(t, db.OutboxEntries())
			require.Empty(t, db.DLQEntries())

			// the rollback admits the redelivery
			require.NoError(t, e.Process(t.Context(), env))

			cmd, _ = db.Command(env.CommandID)
			require.Equal(t, command.StatusSucceeded, cmd.Status)
			require.Equal(t, 1, cmd.Retries)
		})

		t.Run("if processing exceeded its deadline", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()
			require.NoError(t, registry.Register("CreateUser", command.HandlerFunc(func(ctx context.Context, msg command.Message) (map[string]any, error) {
				return nil, fmt.Errorf("awaiting ledger: %w", context.DeadlineExceeded)
			})))
			e := newExecutor(t, db, registry, nil)

			env := acceptCommand(t, db, "CreateUser", "", nil)

			err := e.Process(t.Context(), env)
			require.Error(t, err)

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusTimedOut, cmd.Status)
			require.Equal(t, "processing deadline exceeded", cmd.LastError)
			require.False(t, db.InboxContains(env.MessageID, "CommandExecutor"))
			require.Empty(t, db.OutboxEntries())
		})
	})

	t.Run("will reject the envelope", func(t *testing.T) {
		t.Run("if it fails validation", func(t *testing.T) {
			db := memory.New()
			e := newExecutor(t, db, command.NewRegistry(), nil)

			err := e.Process(t.Context(), envelope.Envelope{Kind: envelope.KindCommand})

			require.True(t, command.IsPermanent(err))
			var ierr envelope.InvalidError
			require.ErrorAs(t, err, &ierr)
		})
	})

	t.Run("will start a process", func(t *testing.T) {
		t.Run("if the command initiates one", func(t *testing.T) {
			db := memory.New()
			registry := command.NewRegistry()

			def, err := process.Define("UserOnboarding", "StartOnboarding").
				StartWith("CreateAccount").
				End()
			require.NoError(t, err)

			mgr := process.NewManager(registry, outbox.DefaultNaming())
			require.NoError(t, mgr.Register(def))

			e := newExecutor(t, db, registry, mgr)

			env := acceptCommand(t, db, "StartOnboarding", "user-7", json.RawMessage(`{"plan":"basic"}`))
			require.NoError(t, e.Process(t.Context(), env))

			cmd, ok := db.Command(env.CommandID)
			require.True(t, ok)
			require.Equal(t, command.StatusSucceeded, cmd.Status)

			inst, ok := db.InstanceByKey("UserOnboarding", "user-7")
			require.True(t, ok)
			require.Equal(t, process.StatusRunning, inst.Status)
			require.Equal(t, "CreateAccount", inst.CurrentStep)

			entries := db.OutboxEntries()
			require.Len(t, entries, 3)

			cmds := entriesByCategory(entries, outbox.CategoryCommand)
			require.Len(t, cmds, 1)
			require.Equal(t, "commands.CreateAccount", cmds[0].Topic)
			require.Equal(t, inst.ID, cmds[0].Headers[envelope.HeaderCorrelationID])

			replies := entriesByCategory(entries, outbox.CategoryReply)
			require.Len(t, replies, 1)

			var reply command.Reply
			require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
			require.Equal(t, command.ReplySucceeded, reply.Status)
			require.Equal(t, inst.ID, reply.Data["processId"])
			require.Equal(t, "UserOnboarding", reply.Data["processType"])
			require.Equal(t, "STARTED", reply.Data["status"])
		})
	})
}
