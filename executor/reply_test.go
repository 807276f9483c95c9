// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package executor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/executor"
	"github.com/z5labs/keel/memory"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

func transferDefinition(t *testing.T) process.Definition {
	t.Helper()

	def, err := process.Define("Transfer", "SubmitTransfer").
		StartWith("DebitSource").WithCompensation("CreditSource").
		Then("CreditTarget").
		End()
	require.NoError(t, err)
	return def
}

func startTransfer(t *testing.T, db *memory.DB, mgr *process.Manager) process.StartResult {
	t.Helper()

	env := envelope.NewCommand("SubmitTransfer", envelope.NewID(), json.RawMessage(`{}`)).WithKey("TR-1")

	var res process.StartResult
	err := db.Do(t.Context(), func(ctx context.Context, s executor.Stores) error {
		var err error
		res, err = mgr.Start(ctx, s.ProcessTxn(), env)
		return err
	})
	require.NoError(t, err)
	return res
}

func stepReply(db *memory.DB, processID string) envelope.Envelope {
	inst, _ := db.Instance(processID)
	cmdID := inst.AwaitingCommandID()
	payload, _ := json.Marshal(command.NewReply(cmdID, processID, nil))
	return envelope.Envelope{
		MessageID:     envelope.NewID(),
		Kind:          envelope.KindReply,
		Name:          command.ReplyTypeCompleted,
		CommandID:     cmdID,
		CorrelationID: processID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

func TestReplyProcessor_Process(t *testing.T) {
	t.Run("will advance the process", func(t *testing.T) {
		t.Run("if the awaited step reply arrives", func(t *testing.T) {
			db := memory.New()
			mgr := process.NewManager(command.NewRegistry(), outbox.DefaultNaming())
			require.NoError(t, mgr.Register(transferDefinition(t)))

			res := startTransfer(t, db, mgr)
			p := executor.NewReplyProcessor(db, mgr)

			require.NoError(t, p.Process(t.Context(), stepReply(db, res.ProcessID)))

			inst, ok := db.Instance(res.ProcessID)
			require.True(t, ok)
			assert.Equal(t, "CreditTarget", inst.CurrentStep)
		})
	})

	t.Run("will suppress a duplicate delivery", func(t *testing.T) {
		t.Run("if the same reply arrives twice", func(t *testing.T) {
			db := memory.New()
			mgr := process.NewManager(command.NewRegistry(), outbox.DefaultNaming())
			require.NoError(t, mgr.Register(transferDefinition(t)))

			res := startTransfer(t, db, mgr)
			p := executor.NewReplyProcessor(db, mgr)

			env := stepReply(db, res.ProcessID)
			require.NoError(t, p.Process(t.Context(), env))
			require.NoError(t, p.Process(t.Context(), env))

			inst, ok := db.Instance(res.ProcessID)
			require.True(t, ok)
			assert.Equal(t, "CreditTarget", inst.CurrentStep)
			assert.True(t, db.InboxContains(env.MessageID, "ProcessManager"))
		})
	})

	t.Run("will drop the reply", func(t *testing.T) {
		t.Run("if it matches no process", func(t *testing.T) {
			db := memory.New()
			mgr := process.NewManager(command.NewRegistry(), outbox.DefaultNaming())
			p := executor.NewReplyProcessor(db, mgr)

			payload, _ := json.Marshal(command.NewReply("cmd-1", "proc-1", nil))
			env := envelope.Envelope{
				MessageID:     envelope.NewID(),
				Kind:          envelope.KindReply,
				Name:          command.ReplyTypeCompleted,
				CommandID:     "cmd-1",
				CorrelationID: "proc-1",
				OccurredAt:    time.Now().UTC(),
				Payload:       payload,
			}

			assert.NoError(t, p.Process(t.Context(), env))
		})

		t.Run("if the envelope is invalid", func(t *testing.T) {
			db := memory.New()
			mgr := process.NewManager(command.NewRegistry(), outbox.DefaultNaming())
			p := executor.NewReplyProcessor(db, mgr)

			assert.NoError(t, p.Process(t.Context(), envelope.Envelope{}))
		})

		t.Run("if the reply payload cannot be unmarshaled", func(t *testing.T) {
			db := memory.New()
			mgr := process.NewManager(command.NewRegistry(), outbox.DefaultNaming())
			require.NoError(t, mgr.Register(transferDefinition(t)))

			res := startTransfer(t, db, mgr)
			p := executor.NewReplyProcessor(db, mgr)

			env := stepReply(db, res.ProcessID)
			env.Payload = json.RawMessage(`{not json`)

			require.NoError(t, p.Process(t.Context(), env))

			// poison reply is dropped, the process keeps waiting
			inst, ok := db.Instance(res.ProcessID)
			require.True(t, ok)
			assert.Equal(t, "DebitSource", inst.CurrentStep)
		})
	})
}
