// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package postgres

import (
	"context"

	"github.com/z5labs/keel/dlq"
)

// DLQStore implements [dlq.Store] on the command_dlq table.
type DLQStore struct {
	q Querier
}

// Park implements the [dlq.Store] interface.
func (s DLQStore) Park(ctx context.Context, e dlq.Entry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO command_dlq (id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID,
		e.CommandID,
		e.CommandName,
		e.BusinessKey,
		e.Payload,
		e.FailedStatus,
		e.ErrorClass,
		e.ErrorMessage,
		e.Attempts,
		e.ParkedBy,
		e.ParkedAt,
	)
	return err
}

// List implements the [dlq.Store] interface.
func (s DLQStore) List(ctx context.Context, limit int) ([]dlq.Entry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, command_id, command_name, business_key, payload, failed_status, error_class,
			COALESCE(error_message, ''), attempts, parked_by, parked_at
		FROM command_dlq
		ORDER BY parked_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []dlq.Entry
	for rows.Next() {
		var e dlq.Entry
		err = rows.Scan(
			&e.ID,
			&e.CommandID,
			&e.CommandName,
			&e.BusinessKey,
			&e.Payload,
			&e.FailedStatus,
			&e.ErrorClass,
			&e.ErrorMessage,
			&e.Attempts,
			&e.ParkedBy,
			&e.ParkedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
