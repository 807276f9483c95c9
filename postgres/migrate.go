// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package postgres

import (
	"context"
	"embed"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/z5labs/sdk-go/try"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending schema migrations. It is safe to run on
// every worker start; applied migrations are skipped.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (err error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	// goose speaks database/sql, so the pool is adapted for the
	// duration of the migration run.
	db := stdlib.OpenDBFromPool(pool)
	defer try.Close(&err, db)

	provider, err := goose.NewProvider(database.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}

	_, err = provider.Up(ctx)
	return err
}
