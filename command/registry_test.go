// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type createUserHandler struct{}

func (createUserHandler) Handle(_ context.Context, msg Message) (map[string]any, error) {
	var payload struct {
		Username string `json:"username"`
	}
	err := msg.UnmarshalPayload(&payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"username": payload.Username}, nil
}

func TestRegistry_Register(t *testing.T) {
	t.Run("will collapse the registration", func(t *testing.T) {
		t.Run("if the same implementation is registered twice", func(t *testing.T) {
			reg := NewRegistry()

			require.NoError(t, reg.Register("CreateUser", createUserHandler{}))
			require.NoError(t, reg.Register("CreateUser", createUserHandler{}))

			_, ok := reg.Lookup("CreateUser")
			require.True(t, ok)
		})

		t.Run("if the same function is registered twice", func(t *testing.T) {
			reg := NewRegistry()
			h := HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return nil, nil
			})

			require.NoError(t, reg.Register("CreateUser", h))
			require.NoError(t, reg.Register("CreateUser", h))
		})
	})

	t.Run("will reject the registration", func(t *testing.T) {
		t.Run("if a different implementation is registered for the same name", func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("CreateUser", createUserHandler{}))

			err := reg.Register("CreateUser", HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return nil, nil
			}))

			var aerr AmbiguousHandlerError
			require.ErrorAs(t, err, &aerr)
			require.Equal(t, "CreateUser", aerr.Name)
		})

		t.Run("if a different function is registered for the same name", func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("CreateUser", HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return map[string]any{"a": 1}, nil
			})))

			err := reg.Register("CreateUser", HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return map[string]any{"b": 2}, nil
			}))

			var aerr AmbiguousHandlerError
			require.ErrorAs(t, err, &aerr)
		})
	})
}

func TestRegistry_MarkInitiation(t *testing.T) {
	t.Run("will track the command name", func(t *testing.T) {
		t.Run("if a process definition declares it", func(t *testing.T) {
			reg := NewRegistry()
			reg.MarkInitiation("StartSimplePayment")

			require.True(t, reg.IsInitiation("StartSimplePayment"))
			require.False(t, reg.IsInitiation("CreateUser"))
		})
	})
}

func TestRegistry_Handle(t *testing.T) {
	t.Run("will return a successful reply", func(t *testing.T) {
		t.Run("if the handler returns data", func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("CreateUser", createUserHandler{}))

			reply, err := reg.Handle(t.Context(), Message{
				ID:            "cmd-1",
				Name:          "CreateUser",
				CorrelationID: "corr-1",
				Payload:       json.RawMessage(`{"username":"a"}`),
			})
			require.NoError(t, err)

			require.Equal(t, ReplySucceeded, reply.Status)
			require.Equal(t, "cmd-1", reply.CommandID)
			require.Equal(t, "corr-1", reply.CorrelationID)
			require.Equal(t, "a", reply.Data["username"])
			require.Equal(t, ReplyTypeCompleted, reply.Type())
		})

		t.Run("if the handler returns no data", func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("Noop", HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return nil, nil
			})))

			reply, err := reg.Handle(t.Context(), Message{ID: "cmd-1", Name: "Noop", CorrelationID: "corr-1"})
			require.NoError(t, err)

			require.Equal(t, ReplySucceeded, reply.Status)
			require.Empty(t, reply.Data)
		})
	})

	t.Run("will fail permanently", func(t *testing.T) {
		t.Run("if no handler is registered for the name", func(t *testing.T) {
			reg := NewRegistry()

			_, err := reg.Handle(t.Context(), Message{ID: "cmd-1", Name: "Nope"})

			var uerr UnknownCommandError
			require.ErrorAs(t, err, &uerr)
			require.True(t, IsPermanent(err))
		})

		t.Run("if the payload cannot be deserialized", func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register("CreateUser", createUserHandler{}))

			_, err := reg.Handle(t.Context(), Message{
				ID:      "cmd-1",
				Name:    "CreateUser",
				Payload: json.RawMessage(`{`),
			})

			require.True(t, IsPermanent(err))
		})
	})

	t.Run("will propagate the handler error", func(t *testing.T) {
		t.Run("if the handler fails", func(t *testing.T) {
			reg := NewRegistry()
			cause := errors.New("lock conflict")
			require.NoError(t, reg.Register("CreateUser", HandlerFunc(func(_ context.Context, _ Message) (map[string]any, error) {
				return nil, RetryableBusiness(cause)
			})))

			_, err := reg.Handle(t.Context(), Message{ID: "cmd-1", Name: "CreateUser"})

			require.ErrorIs(t, err, cause)
			require.Equal(t, ClassRetryableBusiness, Classify(err))
		})
	})
}
