// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package payment_test

import (
	"encoding/json"
	"testing"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/example/payments/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func instruction() payment.Instruction {
	return payment.Instruction{
		PaymentID:     "PAY-1",
		DebtorAccount: "ACC-001",
		CreditAccount: "ACC-002",
		Amount:        decimal.NewFromInt(100),
		Currency:      "EUR",
	}
}

func messageFor(t *testing.T, name string, payload any) command.Message {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return command.Message{
		ID:      "cmd-1",
		Name:    name,
		Payload: b,
	}
}

func newHandlers() *payment.Handlers {
	limits := payment.NewInMemoryLimits(map[string]decimal.Decimal{
		"ACC-001": decimal.NewFromInt(1000),
	})
	fx := payment.NewStaticFx(map[string]decimal.Decimal{
		"EUR/USD": decimal.RequireFromString("1.10"),
	})
	return payment.NewHandlers(limits, fx, payment.NewInMemoryLedger())
}

func TestDefinition(t *testing.T) {
	t.Run("will order the steps", func(t *testing.T) {
		t.Run("with the fx leg between limits and the transaction", func(t *testing.T) {
			def, err := payment.Definition()
			require.NoError(t, err)

			commands := make([]string, len(def.Steps))
			for i, s := range def.Steps {
				commands[i] = s.Command
			}
			require.Equal(t, []string{
				payment.CommandBookLimits,
				payment.CommandBookFx,
				payment.CommandCreateTransaction,
				payment.CommandCreatePayment,
			}, commands)

			require.Equal(t, payment.CommandReverseLimits, def.Steps[0].Compensation)
			require.Equal(t, payment.CommandUnwindFx, def.Steps[1].Compensation)
			require.Equal(t, payment.CommandReverseTransaction, def.Steps[2].Compensation)
			require.Empty(t, def.Steps[3].Compensation)
		})
	})

	t.Run("will skip the fx leg", func(t *testing.T) {
		t.Run("if the instruction does not require fx", func(t *testing.T) {
			def, err := payment.Definition()
			require.NoError(t, err)

			next := def.NextRunnable(1, map[string]any{"requiresFx": false})
			require.Equal(t, 2, next)

			next = def.NextRunnable(1, map[string]any{"requiresFx": true})
			require.Equal(t, 1, next)
		})
	})

	t.Run("will retry the fx leg", func(t *testing.T) {
		t.Run("if the rate feed was unavailable", func(t *testing.T) {
			def, err := payment.Definition()
			require.NoError(t, err)

			require.True(t, def.Retryable(def.Steps[1], "payment: rate unavailable for EUR/USD"))
			require.False(t, def.Retryable(def.Steps[1], "deal rejected"))
			require.False(t, def.Retryable(def.Steps[0], "payment: rate unavailable for EUR/USD"))
		})
	})
}

func TestHandlers_BookLimits(t *testing.T) {
	t.Run("will reserve the amount", func(t *testing.T) {
		t.Run("if the debtor has headroom", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandBookLimits]

			data, err := h.Handle(t.Context(), messageFor(t, payment.CommandBookLimits, instruction()))
			require.NoError(t, err)
			require.NotEmpty(t, data["reservationId"])
			require.Equal(t, false, data["requiresFx"])
			require.Equal(t, "100", data["settledAmount"])
		})
	})

	t.Run("will fail permanently", func(t *testing.T) {
		t.Run("if the amount exceeds the limit", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandBookLimits]

			in := instruction()
			in.Amount = decimal.NewFromInt(5000)

			_, err := h.Handle(t.Context(), messageFor(t, payment.CommandBookLimits, in))
			require.Error(t, err)
			require.True(t, command.IsPermanent(err))
		})

		t.Run("if the instruction is invalid", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandBookLimits]

			in := instruction()
			in.Amount = decimal.Zero

			_, err := h.Handle(t.Context(), messageFor(t, payment.CommandBookLimits, in))
			require.Error(t, err)
			require.True(t, command.IsPermanent(err))
		})
	})
}

func TestHandlers_BookFx(t *testing.T) {
	t.Run("will settle into the target currency", func(t *testing.T) {
		t.Run("if a rate is available", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandBookFx]

			in := instruction()
			in.RequiresFx = true
			in.TargetCurrency = "USD"

			data, err := h.Handle(t.Context(), messageFor(t, payment.CommandBookFx, in))
			require.NoError(t, err)
			require.NotEmpty(t, data["fxDealId"])
			require.Equal(t, "110", data["settledAmount"])
		})
	})

	t.Run("will fail retryably", func(t *testing.T) {
		t.Run("if no rate is available", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandBookFx]

			in := instruction()
			in.RequiresFx = true
			in.TargetCurrency = "GBP"

			_, err := h.Handle(t.Context(), messageFor(t, payment.CommandBookFx, in))
			require.Error(t, err)
			require.Equal(t, command.ClassRetryableBusiness, command.Classify(err))
		})
	})
}

func TestHandlers_CreatePayment(t *testing.T) {
	t.Run("will create the payment", func(t *testing.T) {
		t.Run("if the transaction exists", func(t *testing.T) {
			handlers := newHandlers()

			in := instruction()
			stepData := func(extra map[string]any) map[string]any {
				data := map[string]any{
					"paymentId":     in.PaymentID,
					"debtorAccount": in.DebtorAccount,
					"creditAccount": in.CreditAccount,
					"amount":        in.Amount,
					"currency":      in.Currency,
					"settledAmount": in.Amount.String(),
				}
				for k, v := range extra {
					data[k] = v
				}
				return data
			}

			create := handlers.Map()[payment.CommandCreateTransaction]
			data, err := create.Handle(t.Context(), messageFor(t, payment.CommandCreateTransaction, stepData(nil)))
			require.NoError(t, err)

			transactionID, ok := data["transactionId"].(string)
			require.True(t, ok)
			require.NotEmpty(t, transactionID)

			pay := handlers.Map()[payment.CommandCreatePayment]
			data, err = pay.Handle(t.Context(), messageFor(t, payment.CommandCreatePayment, stepData(map[string]any{
				"transactionId": transactionID,
			})))
			require.NoError(t, err)
			require.Equal(t, in.PaymentID, data["paymentId"])
		})
	})

	t.Run("will fail permanently", func(t *testing.T) {
		t.Run("if no transaction was recorded in the step data", func(t *testing.T) {
			handlers := newHandlers()
			h := handlers.Map()[payment.CommandReverseTransaction]

			_, err := h.Handle(t.Context(), messageFor(t, payment.CommandReverseTransaction, map[string]any{}))
			require.Error(t, err)
			require.True(t, command.IsPermanent(err))
		})
	})
}

func TestHandlers_Register(t *testing.T) {
	t.Run("will register every step handler", func(t *testing.T) {
		t.Run("under its command name", func(t *testing.T) {
			handlers := newHandlers()

			registry := command.NewRegistry()
			require.NoError(t, handlers.Register(registry))

			for name := range handlers.Map() {
				_, ok := registry.Lookup(name)
				require.True(t, ok, name)
			}
		})
	})
}
