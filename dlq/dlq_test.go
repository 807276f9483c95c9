// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dlq

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/z5labs/keel/command"
)

func TestNewEntry(t *testing.T) {
	t.Run("will capture the command identity and failure", func(t *testing.T) {
		t.Run("if the command failed permanently", func(t *testing.T) {
			cmd := command.New("CreateUser", "idem-1", "user-42", json.RawMessage(`{"username":"a"}`), nil)
			cmd.Retries = 2

			e := NewEntry(cmd, command.Permanent(errors.New("bad input")), "worker-1")

			require.NotEmpty(t, e.ID)
			require.Equal(t, cmd.ID, e.CommandID)
			require.Equal(t, "CreateUser", e.CommandName)
			require.Equal(t, "user-42", e.BusinessKey)
			require.JSONEq(t, `{"username":"a"}`, string(e.Payload))
			require.Equal(t, "FAILED", e.FailedStatus)
			require.Equal(t, "Permanent", e.ErrorClass)
			require.Equal(t, "bad input", e.ErrorMessage)
			require.Equal(t, 2, e.Attempts)
			require.Equal(t, "worker-1", e.ParkedBy)
			require.False(t, e.ParkedAt.IsZero())
		})
	})
}
