// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package postgres implements the keel store contracts on PostgreSQL
// with pgx.
//
// Every store takes a [Querier], which both [pgxpool.Pool] and
// [pgx.Tx] satisfy. Standalone use binds a store to the pool;
// transactional use goes through [UnitOfWork], which binds the whole
// bundle to one transaction.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/z5labs/keel/config"
	"github.com/z5labs/keel/executor"
)

// Querier is the subset of pgx used by the stores. It is satisfied by
// [pgxpool.Pool], [pgx.Conn] and [pgx.Tx], which is what lets one
// store implementation serve both pooled and transactional callers.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds configuration readers for PostgreSQL infrastructure
// settings.
type Config struct {
	URL config.Reader[string]
}

// URLFromEnv reads the PostgreSQL connection URL from the
// POSTGRES_URL environment variable.
func URLFromEnv() config.Reader[string] {
	return config.Env("POSTGRES_URL")
}

// Connect resolves the connection URL, opens a pool and verifies
// connectivity.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	url, err := config.Read(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Option configures the store bundle.
type Option func(*options)

type options struct {
	claimTimeout time.Duration
}

// ClaimTimeout sets how old an outbox claim must be before the entry
// counts as stuck and is claimable again.
func ClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		o.claimTimeout = d
	}
}

// NewStores binds the full store bundle to q.
func NewStores(q Querier, opts ...Option) executor.Stores {
	o := &options{
		claimTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	return executor.Stores{
		Inbox:     InboxStore{q: q},
		Commands:  CommandStore{q: q},
		Outbox:    OutboxStore{q: q, claimTimeout: o.claimTimeout},
		DLQ:       DLQStore{q: q},
		Processes: ProcessStore{q: q},
	}
}
