// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/z5labs/keel/command"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InMemoryLimits is a [LimitService] over per account limits held in
// memory.
type InMemoryLimits struct {
	mu           sync.Mutex
	available    map[string]decimal.Decimal
	reservations map[string]reservation
}

type reservation struct {
	account string
	amount  decimal.Decimal
}

// NewInMemoryLimits initializes the limit service with the given per
// account limits. Accounts without a configured limit are unlimited.
func NewInMemoryLimits(limits map[string]decimal.Decimal) *InMemoryLimits {
	available := make(map[string]decimal.Decimal, len(limits))
	for account, limit := range limits {
		available[account] = limit
	}
	return &InMemoryLimits{
		available:    available,
		reservations: make(map[string]reservation),
	}
}

// Reserve implements the [LimitService] interface. Exceeding the
// account limit fails permanently, redelivery cannot free headroom.
func (s *InMemoryLimits) Reserve(ctx context.Context, account string, amount decimal.Decimal, currency string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.available[account]
	if ok {
		if limit.LessThan(amount) {
			return "", command.Permanent(fmt.Errorf("payment: insufficient limit on %s: %s %s available", account, limit, currency))
		}
		s.available[account] = limit.Sub(amount)
	}

	id := uuid.NewString()
	s.reservations[id] = reservation{account: account, amount: amount}
	return id, nil
}

// Release implements the [LimitService] interface.
func (s *InMemoryLimits) Release(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil
	}
	delete(s.reservations, reservationID)

	limit, ok := s.available[res.account]
	if ok {
		s.available[res.account] = limit.Add(res.amount)
	}
	return nil
}

// StaticFx is an [FxService] over a fixed rate table.
type StaticFx struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	deals map[string]struct{}
}

// NewStaticFx initializes the fx service. Rates are keyed as
// "FROM/TO", e.g. "EUR/USD".
func NewStaticFx(rates map[string]decimal.Decimal) *StaticFx {
	return &StaticFx{
		rates: rates,
		deals: make(map[string]struct{}),
	}
}

// Book implements the [FxService] interface. A missing rate is
// reported as retryable, the rate feed may simply be behind.
func (s *StaticFx) Book(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rate, ok := s.rates[from+"/"+to]
	if !ok {
		return decimal.Zero, "", command.RetryableBusiness(fmt.Errorf("payment: rate unavailable for %s/%s", from, to))
	}

	id := uuid.NewString()
	s.deals[id] = struct{}{}
	return amount.Mul(rate), id, nil
}

// Unwind implements the [FxService] interface.
func (s *StaticFx) Unwind(ctx context.Context, dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deals, dealID)
	return nil
}

// InMemoryLedger is a [Ledger] held in memory.
type InMemoryLedger struct {
	mu           sync.Mutex
	transactions map[string]Instruction
	payments     map[string]string
}

// NewInMemoryLedger initializes an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		transactions: make(map[string]Instruction),
		payments:     make(map[string]string),
	}
}

// CreateTransaction implements the [Ledger] interface.
func (l *InMemoryLedger) CreateTransaction(ctx context.Context, in Instruction, settled decimal.Decimal) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	l.transactions[id] = in
	return id, nil
}

// ReverseTransaction implements the [Ledger] interface.
func (l *InMemoryLedger) ReverseTransaction(ctx context.Context, transactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.transactions, transactionID)
	return nil
}

// CreatePayment implements the [Ledger] interface.
func (l *InMemoryLedger) CreatePayment(ctx context.Context, in Instruction, transactionID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.transactions[transactionID]; !ok {
		return "", command.Permanent(fmt.Errorf("payment: unknown transaction %s", transactionID))
	}
	l.payments[in.PaymentID] = transactionID
	return in.PaymentID, nil
}
