// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package postgres

import (
	"context"
)

// InboxStore implements [inbox.Store] on the inbox table.
//
// The primary key on (message_id, handler) plus insert-ignore
// semantics is what makes the dedup gate race free: of two concurrent
// transactions inserting the same pair, exactly one observes an
// affected row.
type InboxStore struct {
	q Querier
}

// MarkIfAbsent implements the [inbox.Store] interface.
func (s InboxStore) MarkIfAbsent(ctx context.Context, messageID, handler string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO inbox (message_id, handler, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING`,
		messageID,
		handler,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
