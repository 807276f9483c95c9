// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/z5labs/keel/executor"
)

// UnitOfWork runs store operations inside one database transaction.
// It implements the unit of work contract of the executor, the bus
// and the process manager.
type UnitOfWork struct {
	pool *pgxpool.Pool
	opts []Option
}

// NewUnitOfWork creates a [UnitOfWork] on the given pool. The options
// are applied to the store bundle of every transaction.
func NewUnitOfWork(pool *pgxpool.Pool, opts ...Option) UnitOfWork {
	return UnitOfWork{
		pool: pool,
		opts: opts,
	}
}

// Do implements the [executor.UnitOfWork] interface.
//
// The transaction runs at read committed; correctness comes from the
// guarded updates and unique keys of the stores, not from isolation.
func (u UnitOfWork) Do(ctx context.Context, fn func(context.Context, executor.Stores) error) (err error) {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		rollbackErr := tx.Rollback(ctx)
		if rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			err = errors.Join(err, rollbackErr)
		}
	}()

	err = fn(ctx, NewStores(tx, u.opts...))
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
