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
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/z5labs/keel/command"
)

// CommandStore implements [command.Store] on the command table.
type CommandStore struct {
	q Querier
}

// Unique index names the SavePending error mapping switches on.
const (
	commandIdempotencyKeyIdx  = "command_idempotency_key_idx"
	commandNameBusinessKeyIdx = "command_name_business_key_idx"
)

// SavePending implements the [command.Store] interface.
func (s CommandStore) SavePending(ctx context.Context, cmd command.Command) error {
	replyHeaders, err := marshalMaybe(cmd.ReplyHeaders)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal reply headers: %w", err)
	}

	now := time.Now().UTC()
	requestedAt := cmd.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = now
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO command (id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries, reply)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`,
		cmd.ID,
		cmd.Name,
		cmd.BusinessKey,
		cmd.Payload,
		cmd.IdempotencyKey,
		command.StatusPending,
		requestedAt,
		now,
		replyHeaders,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case commandIdempotencyKeyIdx:
			return command.DuplicateIdempotencyKeyError{Key: cmd.IdempotencyKey}
		case commandNameBusinessKeyIdx:
			return command.DuplicateCommandError{Name: cmd.Name, BusinessKey: cmd.BusinessKey}
		}
	}
	return err
}

// ExistsByIdempotencyKey implements the [command.Store] interface.
func (s CommandStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM command WHERE idempotency_key = $1)`,
		key,
	).Scan(&exists)
	return exists, err
}

const commandColumns = `id, name, business_key, payload, idempotency_key, status,
	retries, processing_lease_until, COALESCE(last_error, ''), reply, requested_at, updated_at`

// Find implements the [command.Store] interface.
func (s CommandStore) Find(ctx context.Context, id string) (command.Command, error) {
	row := s.q.QueryRow(ctx, `SELECT `+commandColumns+` FROM command WHERE id = $1`, id)

	cmd, err := scanCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return command.Command{}, command.ErrNotFound
	}
	return cmd, err
}

// MarkRunning implements the [command.Store] interface.
func (s CommandStore) MarkRunning(ctx context.Context, id string, leaseUntil time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE command
		SET status = $2, processing_lease_until = $3, updated_at = now()
		WHERE id = $1
		  AND (status = $4 OR (status = $2 AND processing_lease_until < now()))`,
		id,
		command.StatusRunning,
		leaseUntil,
		command.StatusPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, command.StatusRunning)
	}
	return nil
}

// MarkSucceeded implements the [command.Store] interface.
func (s CommandStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.transition(ctx, id, command.StatusSucceeded, "", command.StatusRunning)
}

// MarkFailed implements the [command.Store] interface.
func (s CommandStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, command.StatusFailed, reason, command.StatusRunning)
}

// MarkTimedOut implements the [command.Store] interface.
func (s CommandStore) MarkTimedOut(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, command.StatusTimedOut, reason, command.StatusPending, command.StatusRunning)
}

func (s CommandStore) transition(ctx context.Context, id string, to command.Status, reason string, from ...command.Status) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE command
		SET status = $2,
		    processing_lease_until = NULL,
		    last_error = COALESCE(NULLIF($3, ''), last_error),
		    updated_at = now()
		WHERE id = $1 AND status = ANY($4)`,
		id,
		to,
		reason,
		statusStrings(from),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, to)
	}
	return nil
}

// transitionError distinguishes a missing command from an illegal
// transition after a guarded update matched nothing.
func (s CommandStore) transitionError(ctx context.Context, id string, to command.Status) error {
	var from command.Status
	err := s.q.QueryRow(ctx, `SELECT status FROM command WHERE id = $1`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return command.ErrNotFound
	}
	if err != nil {
		return err
	}
	return command.InvalidTransitionError{ID: id, From: from, To: to}
}

// BumpRetry implements the [command.Store] interface.
func (s CommandStore) BumpRetry(ctx context.Context, id string, cause string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE command
		SET retries = retries + 1, last_error = $2, updated_at = now()
		WHERE id = $1`,
		id,
		cause,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return command.ErrNotFound
	}
	return nil
}

// RecoverExpired implements the [command.Store] interface.
func (s CommandStore) RecoverExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE command
		SET status = $2, processing_lease_until = NULL, retries = retries + 1, updated_at = now()
		WHERE status = $3 AND processing_lease_until < $1`,
		now,
		command.StatusPending,
		command.StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCommand(row pgx.Row) (command.Command, error) {
	var cmd command.Command
	var replyHeaders []byte

	err := row.Scan(
		&cmd.ID,
		&cmd.Name,
		&cmd.BusinessKey,
		&cmd.Payload,
		&cmd.IdempotencyKey,
		&cmd.Status,
		&cmd.Retries,
		&cmd.LeaseUntil,
		&cmd.LastError,
		&replyHeaders,
		&cmd.RequestedAt,
		&cmd.UpdatedAt,
	)
	if err != nil {
		return command.Command{}, err
	}

	if len(replyHeaders) > 0 {
		err = json.Unmarshal(replyHeaders, &cmd.ReplyHeaders)
		if err != nil {
			return command.Command{}, fmt.Errorf("postgres: failed to unmarshal reply headers: %w", err)
		}
	}
	return cmd, nil
}

func statusStrings(statuses []command.Status) []string {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return ss
}

// marshalMaybe marshals m, mapping an empty map to SQL NULL.
func marshalMaybe[T any](m map[string]T) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
