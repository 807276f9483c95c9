// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/z5labs/keel/envelope"
)

func TestBackoff(t *testing.T) {
	t.Run("will double per attempt", func(t *testing.T) {
		t.Run("if the attempt count is small", func(t *testing.T) {
			maxBackoff := 5 * time.Minute

			require.Equal(t, time.Second, Backoff(0, maxBackoff))
			require.Equal(t, 2*time.Second, Backoff(1, maxBackoff))
			require.Equal(t, 4*time.Second, Backoff(2, maxBackoff))
			require.Equal(t, 8*time.Second, Backoff(3, maxBackoff))
		})
	})

	t.Run("will stop doubling after eight attempts", func(t *testing.T) {
		t.Run("if the attempt count is large", func(t *testing.T) {
			maxBackoff := 5 * time.Minute

			require.Equal(t, 256*time.Second, Backoff(8, maxBackoff))
			require.Equal(t, 256*time.Second, Backoff(20, maxBackoff))
		})
	})

	t.Run("will clamp at the configured maximum", func(t *testing.T) {
		t.Run("if the maximum is below the doubled delay", func(t *testing.T) {
			require.Equal(t, time.Minute, Backoff(8, time.Minute))
			require.Equal(t, 5*time.Second, Backoff(20, 5*time.Second))
		})

		t.Run("if the attempt count is negative", func(t *testing.T) {
			require.Equal(t, time.Second, Backoff(-1, 5*time.Minute))
		})
	})
}

func TestNaming(t *testing.T) {
	t.Run("will derive destinations from the command name", func(t *testing.T) {
		t.Run("if a full naming scheme is configured", func(t *testing.T) {
			n := Naming{
				CommandPrefix: "cmd.",
				QueueSuffix:   ".q",
				ReplyQueue:    "replies",
				EventPrefix:   "events.",
			}

			require.Equal(t, "cmd.CreateUser.q", n.CommandQueue("CreateUser"))
			require.Equal(t, "events.CreateUser", n.EventTopic("CreateUser"))
		})
	})

	t.Run("will fall back to the default reply queue", func(t *testing.T) {
		t.Run("if the envelope names no replyTo", func(t *testing.T) {
			n := DefaultNaming()

			require.Equal(t, "replies", n.ReplyTopic(""))
			require.Equal(t, "billing.replies", n.ReplyTopic("billing.replies"))
		})
	})
}

func TestNaming_CommandRequested(t *testing.T) {
	t.Run("will merge identity headers over the reply config", func(t *testing.T) {
		t.Run("if reply headers are provided", func(t *testing.T) {
			n := DefaultNaming()

			e := n.CommandRequested("CreateUser", "cmd-1", "user-42", json.RawMessage(`{}`), map[string]string{
				envelope.HeaderReplyTo: "billing.replies",
				"tenant":               "a",
			})

			require.Equal(t, CategoryCommand, e.Category)
			require.Equal(t, StatusNew, e.Status)
			require.Equal(t, "commands.CreateUser", e.Topic)
			require.Equal(t, "CreateUser", e.Type)
			require.Equal(t, "cmd-1", e.Headers[envelope.HeaderCommandID])
			require.Equal(t, "CreateUser", e.Headers[envelope.HeaderCommandName])
			require.Equal(t, "user-42", e.Headers[envelope.HeaderBusinessKey])
			require.Equal(t, "billing.replies", e.Headers[envelope.HeaderReplyTo])
			require.Equal(t, "a", e.Headers["tenant"])
		})
	})

	t.Run("will default the reply destination", func(t *testing.T) {
		t.Run("if the reply headers name no replyTo", func(t *testing.T) {
			n := DefaultNaming()

			e := n.CommandRequested("CreateUser", "cmd-1", "", nil, nil)

			require.Equal(t, "replies", e.Headers[envelope.HeaderReplyTo])
			require.Equal(t, "cmd-1", e.Headers[envelope.HeaderCorrelationID])
			require.NotContains(t, e.Headers, envelope.HeaderBusinessKey)
		})
	})
}

func TestKafkaEvent(t *testing.T) {
	t.Run("will build an event entry", func(t *testing.T) {
		t.Run("if given a topic and type", func(t *testing.T) {
			e := KafkaEvent("events.CreateUser", "user-42", "CommandCompleted", json.RawMessage(`{"ok":true}`))

			require.Equal(t, CategoryEvent, e.Category)
			require.Equal(t, StatusNew, e.Status)
			require.Equal(t, "events.CreateUser", e.Topic)
			require.Equal(t, "CommandCompleted", e.Type)
			require.Equal(t, "user-42", e.Key)
			require.Zero(t, e.Attempts)
		})
	})
}

func TestNaming_MqReply(t *testing.T) {
	t.Run("will route to the envelope reply destination", func(t *testing.T) {
		t.Run("if the causing envelope carries a replyTo header", func(t *testing.T) {
			n := DefaultNaming()
			env := envelope.NewCommand("CreateUser", "cmd-1", nil).
				WithKey("user-42").
				WithHeaders(map[string]string{envelope.HeaderReplyTo: "billing.replies"})

			e := n.MqReply(env, "CommandCompleted", json.RawMessage(`{}`))

			require.Equal(t, CategoryReply, e.Category)
			require.Equal(t, "billing.replies", e.Topic)
			require.Equal(t, "CommandCompleted", e.Type)
			require.Equal(t, "cmd-1", e.Headers[envelope.HeaderCorrelationID])
			require.Equal(t, "user-42", e.Headers[envelope.HeaderBusinessKey])
		})
	})

	t.Run("will route to the default reply queue", func(t *testing.T) {
		t.Run("if the causing envelope has no replyTo header", func(t *testing.T) {
			n := DefaultNaming()
			env := envelope.NewCommand("CreateUser", "cmd-1", nil)

			e := n.MqReply(env, "CommandFailed", nil)

			require.Equal(t, "replies", e.Topic)
		})
	})
}
