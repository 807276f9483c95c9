// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/z5labs/keel/outbox"
)

// OutboxStore implements [outbox.Store] on the outbox table.
//
// Claiming uses FOR UPDATE SKIP LOCKED so concurrent dispatchers
// partition the claimable rows instead of blocking on each other.
type OutboxStore struct {
	q            Querier
	claimTimeout time.Duration
}

// Insert implements the [outbox.Store] interface.
func (s OutboxStore) Insert(ctx context.Context, e outbox.Entry) (int64, error) {
	headers, err := marshalMaybe(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to marshal outbox headers: %w", err)
	}

	var id int64
	err = s.q.QueryRow(ctx, `
		INSERT INTO outbox (category, topic, key, type, payload, headers, status, attempts, next_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, now())
		RETURNING id`,
		e.Category,
		e.Topic,
		e.Key,
		e.Type,
		e.Payload,
		headers,
		outbox.StatusNew,
		e.NextAt,
	).Scan(&id)
	return id, err
}

const outboxColumns = `id, category, topic, key, type, payload, headers, status, attempts,
	next_at, claimed_at, COALESCE(claimed_by, ''), created_at, published_at, COALESCE(last_error, '')`

// Claim implements the [outbox.Store] interface.
//
// The candidate select locks claimable rows in FIFO order and the
// update flips them to CLAIMED in one statement, so a crash between
// the two is impossible and two claimers never share a row.
func (s OutboxStore) Claim(ctx context.Context, max int, claimerID string) ([]outbox.Entry, error) {
	rows, err := s.q.Query(ctx, `
		WITH candidate AS (
			SELECT id
			FROM outbox
			WHERE (status = 'NEW' AND (next_at IS NULL OR next_at <= now()))
			   OR (status = 'CLAIMED' AND claimed_at < now() - make_interval(secs => $3))
			ORDER BY COALESCE(next_at, 'epoch'::timestamptz), created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbox o
			SET status = 'CLAIMED', claimed_at = now(), claimed_by = $2
			FROM candidate c
			WHERE o.id = c.id
			RETURNING o.id, o.category, o.topic, o.key, o.type, o.payload, o.headers, o.status, o.attempts,
				o.next_at, o.claimed_at, COALESCE(o.claimed_by, ''), o.created_at, o.published_at, COALESCE(o.last_error, '')
		)
		SELECT * FROM claimed
		ORDER BY COALESCE(next_at, 'epoch'::timestamptz), created_at`,
		max,
		claimerID,
		s.claimTimeout.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimOne implements the [outbox.Store] interface.
func (s OutboxStore) ClaimOne(ctx context.Context, id int64, claimerID string) (outbox.Entry, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE outbox
		SET status = 'CLAIMED', claimed_at = now(), claimed_by = $2
		WHERE id = $1 AND status = 'NEW' AND (next_at IS NULL OR next_at <= now())
		RETURNING id, category, topic, key, type, payload, headers, status, attempts,
			next_at, claimed_at, COALESCE(claimed_by, ''), created_at, published_at, COALESCE(last_error, '')`,
		id,
		claimerID,
	)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, false, nil
	}
	if err != nil {
		return outbox.Entry{}, false, err
	}
	return e, true, nil
}

// MarkPublished implements the [outbox.Store] interface.
func (s OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	return s.settle(ctx, `
		UPDATE outbox
		SET status = 'PUBLISHED', published_at = now(), claimed_at = NULL, claimed_by = NULL
		WHERE id = $1 AND status = 'CLAIMED'`,
		id,
	)
}

// Reschedule implements the [outbox.Store] interface.
func (s OutboxStore) Reschedule(ctx context.Context, id int64, backoff time.Duration, cause string) error {
	return s.settle(ctx, `
		UPDATE outbox
		SET status = 'NEW',
		    next_at = now() + make_interval(secs => $2),
		    attempts = attempts + 1,
		    last_error = $3,
		    claimed_at = NULL,
		    claimed_by = NULL
		WHERE id = $1 AND status = 'CLAIMED'`,
		id,
		backoff.Seconds(),
		cause,
	)
}

// MarkFailed implements the [outbox.Store] interface.
func (s OutboxStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	return s.settle(ctx, `
		UPDATE outbox
		SET status = 'FAILED', last_error = $2, claimed_at = NULL, claimed_by = NULL
		WHERE id = $1 AND status = 'CLAIMED'`,
		id,
		cause,
	)
}

func (s OutboxStore) settle(ctx context.Context, sql string, args ...any) error {
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

// RecoverStuck implements the [outbox.Store] interface.
func (s OutboxStore) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE outbox
		SET status = 'NEW', claimed_at = NULL, claimed_by = NULL
		WHERE status = 'CLAIMED' AND claimed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEntry(row pgx.Row) (outbox.Entry, error) {
	var e outbox.Entry
	var headers []byte

	err := row.Scan(
		&e.ID,
		&e.Category,
		&e.Topic,
		&e.Key,
		&e.Type,
		&e.Payload,
		&headers,
		&e.Status,
		&e.Attempts,
		&e.NextAt,
		&e.ClaimedAt,
		&e.ClaimedBy,
		&e.CreatedAt,
		&e.PublishedAt,
		&e.LastError,
	)
	if err != nil {
		return outbox.Entry{}, err
	}

	if len(headers) > 0 {
		err = json.Unmarshal(headers, &e.Headers)
		if err != nil {
			return outbox.Entry{}, fmt.Errorf("postgres: failed to unmarshal outbox headers: %w", err)
		}
	}
	return e, nil
}
