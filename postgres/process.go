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

	"github.com/z5labs/keel/process"
)

// ProcessStore implements [process.Store] on the process_instance and
// process_log tables.
type ProcessStore struct {
	q Querier
}

// processLiveIdx is the partial unique index enforcing one live
// instance per (process type, business key).
const processLiveIdx = "process_instance_live_idx"

// Save implements the [process.Store] interface.
func (s ProcessStore) Save(ctx context.Context, inst process.Instance) error {
	data, err := marshalMaybe(inst.Data)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal process data: %w", err)
	}

	now := time.Now().UTC()
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO process_instance (process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID,
		inst.Type,
		inst.BusinessKey,
		inst.Status,
		inst.CurrentStep,
		data,
		inst.Retries,
		createdAt,
		now,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == processLiveIdx {
		return process.DuplicateProcessError{ProcessType: inst.Type, BusinessKey: inst.BusinessKey}
	}
	return err
}

// Update implements the [process.Store] interface.
func (s ProcessStore) Update(ctx context.Context, inst process.Instance) error {
	data, err := marshalMaybe(inst.Data)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal process data: %w", err)
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE process_instance
		SET status = $2, current_step = $3, data = $4, retries = $5, updated_at = now()
		WHERE process_id = $1`,
		inst.ID,
		inst.Status,
		inst.CurrentStep,
		data,
		inst.Retries,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return process.ErrNotFound
	}
	return nil
}

// Find implements the [process.Store] interface.
func (s ProcessStore) Find(ctx context.Context, processID string) (process.Instance, error) {
	row := s.q.QueryRow(ctx, `
		SELECT process_id, process_type, business_key, status, current_step, data, retries, created_at, updated_at
		FROM process_instance
		WHERE process_id = $1`,
		processID,
	)

	var inst process.Instance
	var data []byte
	err := row.Scan(
		&inst.ID,
		&inst.Type,
		&inst.BusinessKey,
		&inst.Status,
		&inst.CurrentStep,
		&data,
		&inst.Retries,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return process.Instance{}, process.ErrNotFound
	}
	if err != nil {
		return process.Instance{}, err
	}

	if len(data) > 0 {
		err = json.Unmarshal(data, &inst.Data)
		if err != nil {
			return process.Instance{}, fmt.Errorf("postgres: failed to unmarshal process data: %w", err)
		}
	}
	return inst, nil
}

// AppendLog implements the [process.Store] interface.
//
// The sequence number is derived from the current log tail inside the
// insert itself. Appends for one process are serialized by the
// surrounding transaction's instance row update, so the derivation
// does not race.
func (s ProcessStore) AppendLog(ctx context.Context, processID string, ev process.Event) (int64, error) {
	event, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to marshal process event: %w", err)
	}

	var seq int64
	err = s.q.QueryRow(ctx, `
		INSERT INTO process_log (process_id, seq, at, event)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, now(), $2
		FROM process_log
		WHERE process_id = $1
		RETURNING seq`,
		processID,
		event,
	).Scan(&seq)
	return seq, err
}

// Log implements the [process.Store] interface.
func (s ProcessStore) Log(ctx context.Context, processID string) ([]process.LogEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT process_id, seq, at, event
		FROM process_log
		WHERE process_id = $1
		ORDER BY seq`,
		processID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []process.LogEntry
	for rows.Next() {
		var entry process.LogEntry
		var event []byte
		err = rows.Scan(&entry.ProcessID, &entry.Seq, &entry.At, &event)
		if err != nil {
			return nil, err
		}

		err = json.Unmarshal(event, &entry.Event)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal process event: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
