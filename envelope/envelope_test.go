// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCommand(t *testing.T) {
	t.Run("will default the correlation id to the command id", func(t *testing.T) {
		t.Run("if no correlation is set explicitly", func(t *testing.T) {
			env := NewCommand("CreateUser", "cmd-1", json.RawMessage(`{}`))

			require.NoError(t, env.Validate())
			require.Equal(t, KindCommand, env.Kind)
			require.Equal(t, "cmd-1", env.CommandID)
			require.Equal(t, "cmd-1", env.CorrelationID)
			require.NotEmpty(t, env.MessageID)
			require.False(t, env.OccurredAt.IsZero())
		})
	})

	t.Run("will assign a unique message id", func(t *testing.T) {
		t.Run("if the same command is constructed twice", func(t *testing.T) {
			a := NewCommand("CreateUser", "cmd-1", nil)
			b := NewCommand("CreateUser", "cmd-1", nil)

			require.NotEqual(t, a.MessageID, b.MessageID)
			require.False(t, a.Equal(b))
		})
	})
}

func TestNewReply(t *testing.T) {
	t.Run("will correlate back to the causing command", func(t *testing.T) {
		t.Run("if constructed from a command envelope", func(t *testing.T) {
			cause := NewCommand("CreateUser", "cmd-1", nil).WithKey("user-42")
			reply := NewReply(cause, "CommandCompleted", json.RawMessage(`{"ok":true}`))

			require.NoError(t, reply.Validate())
			require.Equal(t, KindReply, reply.Kind)
			require.Equal(t, cause.CommandID, reply.CommandID)
			require.Equal(t, cause.CorrelationID, reply.CorrelationID)
			require.Equal(t, cause.MessageID, reply.CausationID)
			require.Equal(t, "user-42", reply.Key)
		})
	})
}

func TestNewEvent(t *testing.T) {
	t.Run("will carry the causing command identity", func(t *testing.T) {
		t.Run("if constructed from a command envelope", func(t *testing.T) {
			cause := NewCommand("CreateUser", "cmd-1", nil)
			event := NewEvent(cause, "UserCreated", nil)

			require.Equal(t, KindEvent, event.Kind)
			require.Equal(t, "cmd-1", event.CommandID)
			require.Equal(t, cause.MessageID, event.CausationID)
		})
	})
}

func TestEnvelope_Validate(t *testing.T) {
	t.Run("will reject the envelope", func(t *testing.T) {
		t.Run("if the command id is missing", func(t *testing.T) {
			env := NewCommand("CreateUser", "", nil)
			env.CorrelationID = "corr-1"

			err := env.Validate()

			var ierr InvalidError
			require.ErrorAs(t, err, &ierr)
			require.Contains(t, ierr.Reason, "CommandID")
		})

		t.Run("if the name is missing", func(t *testing.T) {
			env := NewCommand("", "cmd-1", nil)

			err := env.Validate()

			var ierr InvalidError
			require.ErrorAs(t, err, &ierr)
			require.Contains(t, ierr.Reason, "Name")
		})

		t.Run("if the kind is unknown", func(t *testing.T) {
			env := NewCommand("CreateUser", "cmd-1", nil)
			env.Kind = Kind("signal")

			err := env.Validate()

			var ierr InvalidError
			require.ErrorAs(t, err, &ierr)
			require.Contains(t, ierr.Reason, "Kind")
		})
	})
}

func TestEnvelope_WithHeaders(t *testing.T) {
	t.Run("will not mutate the receiver", func(t *testing.T) {
		t.Run("if headers are merged", func(t *testing.T) {
			base := NewCommand("CreateUser", "cmd-1", nil).WithHeaders(map[string]string{
				"tenant": "a",
			})

			merged := base.WithHeaders(map[string]string{
				"tenant":  "b",
				"traceId": "t-1",
			})

			require.Equal(t, "a", base.Headers["tenant"])
			require.Equal(t, "b", merged.Headers["tenant"])
			require.Equal(t, "t-1", merged.Headers["traceId"])
		})
	})
}

func TestEnvelope_ToHeaders(t *testing.T) {
	t.Run("will let reserved keys win", func(t *testing.T) {
		t.Run("if a custom header collides with a reserved one", func(t *testing.T) {
			env := NewCommand("CreateUser", "cmd-1", nil).
				WithKey("user-42").
				WithHeaders(map[string]string{
					HeaderCommandID: "spoofed",
					HeaderReplyTo:   "replies",
				})

			headers := env.ToHeaders()

			require.Equal(t, "cmd-1", headers[HeaderCommandID])
			require.Equal(t, "CreateUser", headers[HeaderCommandName])
			require.Equal(t, "cmd-1", headers[HeaderCorrelationID])
			require.Equal(t, "user-42", headers[HeaderBusinessKey])
			require.Equal(t, "replies", headers[HeaderReplyTo])
			require.Equal(t, env.MessageID, headers[HeaderMessageID])
		})
	})
}

func TestFromHeaders(t *testing.T) {
	t.Run("will construct a valid envelope", func(t *testing.T) {
		t.Run("if all identity headers are present", func(t *testing.T) {
			env, err := FromHeaders(KindCommand, []byte(`{"amount":10}`), map[string]string{
				HeaderMessageID:     "msg-1",
				HeaderCommandID:     "cmd-1",
				HeaderCommandName:   "CreateUser",
				HeaderCorrelationID: "corr-1",
				HeaderBusinessKey:   "user-42",
				HeaderReplyTo:       "replies",
			})
			require.NoError(t, err)

			require.Equal(t, "msg-1", env.MessageID)
			require.Equal(t, "cmd-1", env.CommandID)
			require.Equal(t, "corr-1", env.CorrelationID)
			require.Equal(t, "user-42", env.Key)
			require.Equal(t, "replies", env.ReplyTo())
			require.JSONEq(t, `{"amount":10}`, string(env.Payload))
		})

		t.Run("if the message id is missing but the command id is not", func(t *testing.T) {
			env, err := FromHeaders(KindCommand, nil, map[string]string{
				HeaderCommandID:     "cmd-1",
				HeaderCommandName:   "CreateUser",
				HeaderCorrelationID: "corr-1",
			})
			require.NoError(t, err)

			require.Equal(t, "cmd-1", env.MessageID)
		})
	})

	t.Run("will reject the message", func(t *testing.T) {
		t.Run("if the command id header is missing", func(t *testing.T) {
			_, err := FromHeaders(KindCommand, nil, map[string]string{
				HeaderCommandName:   "CreateUser",
				HeaderCorrelationID: "corr-1",
			})

			var ierr InvalidError
			require.ErrorAs(t, err, &ierr)
		})

		t.Run("if the correlation id header is missing", func(t *testing.T) {
			_, err := FromHeaders(KindReply, nil, map[string]string{
				HeaderCommandID:   "cmd-1",
				HeaderCommandName: "CommandCompleted",
			})

			var ierr InvalidError
			require.ErrorAs(t, err, &ierr)
		})
	})
}
