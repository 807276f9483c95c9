// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package payment implements the SimplePayment process: booking
// limits, optionally booking FX, creating the transaction and finally
// the payment itself. Every money-moving step carries a compensation
// so a failed payment unwinds cleanly.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/process"

	"github.com/shopspring/decimal"
)

// Command names of the SimplePayment process.
const (
	CommandSubmitPayment      = "SubmitPayment"
	CommandBookLimits         = "BookLimits"
	CommandReverseLimits      = "ReverseLimits"
	CommandBookFx             = "BookFx"
	CommandUnwindFx           = "UnwindFx"
	CommandCreateTransaction  = "CreateTransaction"
	CommandReverseTransaction = "ReverseTransaction"
	CommandCreatePayment      = "CreatePayment"
)

const predicateRequiresFx = "requiresFx"

// Instruction is the initiation payload of a SimplePayment.
type Instruction struct {
	PaymentID      string          `json:"paymentId"`
	DebtorAccount  string          `json:"debtorAccount"`
	CreditAccount  string          `json:"creditAccount"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	TargetCurrency string          `json:"targetCurrency,omitempty"`
	RequiresFx     bool            `json:"requiresFx"`
}

// Validate reports whether the instruction can be processed at all.
func (in Instruction) Validate() error {
	if in.PaymentID == "" {
		return errors.New("payment: instruction requires a payment id")
	}
	if in.DebtorAccount == "" || in.CreditAccount == "" {
		return errors.New("payment: instruction requires debtor and credit accounts")
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("payment: amount must be positive, got %s", in.Amount)
	}
	if in.Currency == "" {
		return errors.New("payment: instruction requires a currency")
	}
	if in.RequiresFx && in.TargetCurrency == "" {
		return errors.New("payment: fx payment requires a target currency")
	}
	return nil
}

// Definition returns the SimplePayment process graph. BookFx only
// runs when the instruction flagged the payment as cross-currency.
func Definition() (process.Definition, error) {
	return process.Define("SimplePayment", CommandSubmitPayment).
		Predicate(predicateRequiresFx, process.BoolKey(predicateRequiresFx)).
		RetryableWhen(func(step process.Step, cause string) bool {
			// Rate feed hiccups on the fx leg settle themselves.
			return step.Command == CommandBookFx && strings.Contains(cause, "rate unavailable")
		}).
		StartWith(CommandBookLimits).WithCompensation(CommandReverseLimits).
		ThenIf(predicateRequiresFx).WhenTrue(CommandBookFx).WithCompensation(CommandUnwindFx).WithMaxRetries(2).
		Then(CommandCreateTransaction).WithCompensation(CommandReverseTransaction).
		Then(CommandCreatePayment).
		End()
}

// LimitService books and releases debtor limit reservations.
type LimitService interface {
	Reserve(ctx context.Context, account string, amount decimal.Decimal, currency string) (string, error)
	Release(ctx context.Context, reservationID string) error
}

// FxService books currency conversions.
type FxService interface {
	Book(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, string, error)
	Unwind(ctx context.Context, dealID string) error
}

// Ledger records the resulting transaction and payment.
type Ledger interface {
	CreateTransaction(ctx context.Context, in Instruction, settled decimal.Decimal) (string, error)
	ReverseTransaction(ctx context.Context, transactionID string) error
	CreatePayment(ctx context.Context, in Instruction, transactionID string) (string, error)
}

// Handlers bundles the step and compensation handlers of the
// SimplePayment process.
type Handlers struct {
	limits LimitService
	fx     FxService
	ledger Ledger
}

// NewHandlers initializes the SimplePayment handlers over the given
// domain services.
func NewHandlers(limits LimitService, fx FxService, ledger Ledger) *Handlers {
	return &Handlers{
		limits: limits,
		fx:     fx,
		ledger: ledger,
	}
}

// Map returns every step handler keyed by its command name.
func (h *Handlers) Map() map[string]command.Handler {
	return map[string]command.Handler{
		CommandBookLimits:         command.HandlerFunc(h.bookLimits),
		CommandReverseLimits:      command.HandlerFunc(h.reverseLimits),
		CommandBookFx:             command.HandlerFunc(h.bookFx),
		CommandUnwindFx:           command.HandlerFunc(h.unwindFx),
		CommandCreateTransaction:  command.HandlerFunc(h.createTransaction),
		CommandReverseTransaction: command.HandlerFunc(h.reverseTransaction),
		CommandCreatePayment:      command.HandlerFunc(h.createPayment),
	}
}

// Register adds every step handler to the registry under its command
// name.
func (h *Handlers) Register(registry *command.Registry) error {
	for name, handler := range h.Map() {
		err := registry.Register(name, handler)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) bookLimits(ctx context.Context, msg command.Message) (map[string]any, error) {
	in, err := instructionFrom(msg)
	if err != nil {
		return nil, err
	}

	reservationID, err := h.limits.Reserve(ctx, in.DebtorAccount, in.Amount, in.Currency)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"reservationId":     reservationID,
		predicateRequiresFx: in.RequiresFx,
		"settledAmount":     in.Amount.String(),
	}, nil
}

func (h *Handlers) reverseLimits(ctx context.Context, msg command.Message) (map[string]any, error) {
	reservationID, err := dataString(msg, "reservationId")
	if err != nil {
		return nil, err
	}
	return nil, h.limits.Release(ctx, reservationID)
}

func (h *Handlers) bookFx(ctx context.Context, msg command.Message) (map[string]any, error) {
	in, err := instructionFrom(msg)
	if err != nil {
		return nil, err
	}

	settled, dealID, err := h.fx.Book(ctx, in.Amount, in.Currency, in.TargetCurrency)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"fxDealId":      dealID,
		"settledAmount": settled.String(),
	}, nil
}

func (h *Handlers) unwindFx(ctx context.Context, msg command.Message) (map[string]any, error) {
	dealID, err := dataString(msg, "fxDealId")
	if err != nil {
		return nil, err
	}
	return nil, h.fx.Unwind(ctx, dealID)
}

func (h *Handlers) createTransaction(ctx context.Context, msg command.Message) (map[string]any, error) {
	in, err := instructionFrom(msg)
	if err != nil {
		return nil, err
	}

	settledRaw, err := dataString(msg, "settledAmount")
	if err != nil {
		return nil, err
	}
	settled, err := decimal.NewFromString(settledRaw)
	if err != nil {
		return nil, command.Permanent(fmt.Errorf("payment: invalid settled amount %q: %w", settledRaw, err))
	}

	transactionID, err := h.ledger.CreateTransaction(ctx, in, settled)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": transactionID}, nil
}

func (h *Handlers) reverseTransaction(ctx context.Context, msg command.Message) (map[string]any, error) {
	transactionID, err := dataString(msg, "transactionId")
	if err != nil {
		return nil, err
	}
	return nil, h.ledger.ReverseTransaction(ctx, transactionID)
}

func (h *Handlers) createPayment(ctx context.Context, msg command.Message) (map[string]any, error) {
	in, err := instructionFrom(msg)
	if err != nil {
		return nil, err
	}

	transactionID, err := dataString(msg, "transactionId")
	if err != nil {
		return nil, err
	}

	paymentID, err := h.ledger.CreatePayment(ctx, in, transactionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"paymentId": paymentID}, nil
}

// instructionFrom decodes and validates the instruction carried by a
// step command. The process manager copies the initiation payload
// onto every step it emits.
func instructionFrom(msg command.Message) (Instruction, error) {
	var in Instruction
	err := msg.UnmarshalPayload(&in)
	if err != nil {
		return Instruction{}, err
	}

	err = in.Validate()
	if err != nil {
		return Instruction{}, command.Permanent(err)
	}
	return in, nil
}

func dataString(msg command.Message, key string) (string, error) {
	var data map[string]any
	err := msg.UnmarshalPayload(&data)
	if err != nil {
		return "", err
	}

	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", command.Permanent(fmt.Errorf("payment: missing %s in step data", key))
	}
	return v, nil
}
