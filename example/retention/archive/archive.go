// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package archive moves published outbox rows past their retention
// window into object storage and deletes them from the hot table.
//
// Rows are written as JSON lines, one object per publication day and
// run. Deleting only happens after the day's object is stored, so a
// failed run re-archives rows instead of losing them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/z5labs/keel/postgres"

	"github.com/google/uuid"
)

// ObjectStore is the sink archived rows are written to.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
}

// Entry is one archived outbox row.
type Entry struct {
	ID          int64             `json:"id"`
	Category    string            `json:"category"`
	Topic       string            `json:"topic"`
	Key         string            `json:"key,omitempty"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"createdAt"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// Option configures an [Archiver].
type Option func(*Archiver)

// Bucket sets the bucket archived objects are written to.
func Bucket(name string) Option {
	return func(a *Archiver) {
		a.bucket = name
	}
}

// Window sets how old a published row must be before it is archived.
func Window(d time.Duration) Option {
	return func(a *Archiver) {
		a.window = d
	}
}

// LogHandler sets the slog handler used by the archiver.
func LogHandler(h slog.Handler) Option {
	return func(a *Archiver) {
		a.log = slog.New(h)
	}
}

// Archiver implements the retention job over one outbox table.
type Archiver struct {
	db     postgres.Querier
	store  ObjectStore
	bucket string
	window time.Duration
	log    *slog.Logger
}

// New initializes an [Archiver].
func New(db postgres.Querier, store ObjectStore, opts ...Option) *Archiver {
	a := &Archiver{
		db:     db,
		store:  store,
		bucket: "outbox-archive",
		window: 7 * 24 * time.Hour,
		log:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

const selectExpiredQuery = `
SELECT id, category, COALESCE(topic, ''), COALESCE(key, ''), type,
       payload, headers, attempts, created_at, published_at
FROM outbox
WHERE status = 'PUBLISHED' AND published_at < $1
ORDER BY published_at, id`

// Handle runs one archival pass. It implements the job handler
// contract and is safe to run on a schedule; a pass with nothing to
// archive is a no-op.
func (a *Archiver) Handle(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.window)

	entries, err := a.selectExpired(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.log.InfoContext(ctx, "no published outbox rows past retention", slog.Time("cutoff", cutoff))
		return nil
	}

	runID := uuid.NewString()
	for day, dayEntries := range groupByDay(entries) {
		key := fmt.Sprintf("outbox/%s/%s.jsonl", day, runID)

		lines, err := encodeLines(dayEntries)
		if err != nil {
			return err
		}

		err = a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(lines), int64(len(lines)))
		if err != nil {
			return fmt.Errorf("archive: failed to store %s: %w", key, err)
		}

		err = a.deleteArchived(ctx, dayEntries)
		if err != nil {
			return err
		}

		a.log.InfoContext(
			ctx,
			"archived outbox rows",
			slog.String("object", key),
			slog.Int("rows", len(dayEntries)),
		)
	}
	return nil
}

func (a *Archiver) selectExpired(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := a.db.Query(ctx, selectExpiredQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to select expired rows: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, headers []byte
		err := rows.Scan(
			&e.ID,
			&e.Category,
			&e.Topic,
			&e.Key,
			&e.Type,
			&payload,
			&headers,
			&e.Attempts,
			&e.CreatedAt,
			&e.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("archive: failed to scan row: %w", err)
		}

		e.Payload = payload
		if len(headers) > 0 {
			err = json.Unmarshal(headers, &e.Headers)
			if err != nil {
				return nil, fmt.Errorf("archive: failed to unmarshal headers of %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (a *Archiver) deleteArchived(ctx context.Context, entries []Entry) error {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	_, err := a.db.Exec(ctx, `DELETE FROM outbox WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("archive: failed to delete archived rows: %w", err)
	}
	return nil
}

// groupByDay partitions entries by publication day (UTC, YYYY-MM-DD).
func groupByDay(entries []Entry) map[string][]Entry {
	days := make(map[string][]Entry)
	for _, e := range entries {
		day := e.PublishedAt.UTC().Format(time.DateOnly)
		days[day] = append(days[day], e)
	}
	return days
}

// encodeLines renders entries as JSON lines in slice order.
func encodeLines(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		err := enc.Encode(e)
		if err != nil {
			return nil, fmt.Errorf("archive: failed to encode entry %d: %w", e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
