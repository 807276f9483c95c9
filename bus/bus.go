// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package bus provides the submission API producers use to hand
// commands to the execution core.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/executor"
	"github.com/z5labs/keel/notify"
	"github.com/z5labs/keel/outbox"
)

// Request describes one command submission.
type Request struct {
	// Name is the registered command name.
	Name string `validate:"required"`

	// IdempotencyKey deduplicates submissions. Submitting the same
	// key twice is rejected, no matter the rest of the request.
	IdempotencyKey string `validate:"required"`

	// BusinessKey scopes the command to a domain aggregate. At most
	// one command per (name, business key) pair is ever accepted.
	BusinessKey string

	// Payload is the handler input.
	Payload json.RawMessage

	// ReplyHeaders are carried onto the command message so the reply
	// can be routed back, like a correlation id or a replyTo queue.
	ReplyHeaders map[string]string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// InvalidRequestError signals a submission rejected before any state
// was touched.
type InvalidRequestError struct {
	Reason string
}

func (e InvalidRequestError) Error() string {
	return fmt.Sprintf("bus: invalid request: %s", e.Reason)
}

// UnavailableError signals that the submission could not be persisted.
// The caller may retry with the same idempotency key.
type UnavailableError struct {
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("bus: unavailable: %v", e.Err)
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}

// Option configures a [Bus].
type Option func(*Bus)

// LogHandler sets the slog handler used by the bus.
func LogHandler(h slog.Handler) Option {
	return func(b *Bus) {
		b.log = slog.New(h)
	}
}

// Naming sets the scheme used to derive the command queue.
func Naming(n outbox.Naming) Option {
	return func(b *Bus) {
		b.naming = n
	}
}

// Notify announces committed outbox ids on q so the dispatcher fast
// path can publish them without waiting for the next sweep. A failed
// notification is logged and dropped, the sweeper covers for it.
func Notify(q notify.Queue) Option {
	return func(b *Bus) {
		b.notify = q
	}
}

// Bus accepts command submissions. Accepting writes the PENDING
// command and its outbox row in one transaction, so a submission is
// either fully durable or not accepted at all.
type Bus struct {
	uow     executor.UnitOfWork
	naming  outbox.Naming
	notify  notify.Queue
	log     *slog.Logger
	metrics *metricsRecorder
}

// New initializes a [Bus].
func New(uow executor.UnitOfWork, opts ...Option) (*Bus, error) {
	metrics, err := newMetricsRecorder()
	if err != nil {
		return nil, err
	}

	b := &Bus{
		uow:     uow,
		naming:  outbox.DefaultNaming(),
		log:     slog.New(slog.DiscardHandler),
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Accept persists req as a PENDING command together with its
// CommandRequested outbox row and returns the assigned command id.
// The outcome of the command itself is observed asynchronously via
// the reply keyed by the correlation id.
//
// A reused idempotency key fails with
// [command.DuplicateIdempotencyKeyError] and a reused
// (name, business key) pair with [command.DuplicateCommandError].
// Every other failure is an [UnavailableError].
func (b *Bus) Accept(ctx context.Context, req Request) (string, error) {
	err := validateRequest(req)
	if err != nil {
		return "", err
	}

	cmd := command.New(req.Name, req.IdempotencyKey, req.BusinessKey, req.Payload, req.ReplyHeaders)

	var outboxID int64
	err = b.uow.Do(ctx, func(ctx context.Context, s executor.Stores) error {
		exists, err := s.Commands.ExistsByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return command.DuplicateIdempotencyKeyError{Key: req.IdempotencyKey}
		}

		err = s.Commands.SavePending(ctx, cmd)
		if err != nil {
			return err
		}

		outboxID, err = s.Outbox.Insert(ctx, b.naming.CommandRequested(req.Name, cmd.ID, req.BusinessKey, req.Payload, req.ReplyHeaders))
		return err
	})
	if err != nil {
		var ikerr command.DuplicateIdempotencyKeyError
		if errors.As(err, &ikerr) {
			b.metrics.recordRejected(ctx, req.Name)
			return "", ikerr
		}
		var bkerr command.DuplicateCommandError
		if errors.As(err, &bkerr) {
			b.metrics.recordRejected(ctx, req.Name)
			return "", bkerr
		}
		return "", UnavailableError{Err: err}
	}

	if b.notify != nil {
		nerr := b.notify.Notify(ctx, outboxID)
		if nerr != nil {
			b.log.WarnContext(ctx, "failed to notify fast path", slog.Int64("entry", outboxID), slog.String("error", nerr.Error()))
		}
	}

	b.metrics.recordAccepted(ctx, req.Name)
	b.log.InfoContext(
		ctx,
		"accepted command",
		slog.String("command", req.Name),
		slog.String("command_id", cmd.ID),
		slog.String("business_key", req.BusinessKey),
	)
	return cmd.ID, nil
}

func validateRequest(req Request) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return InvalidRequestError{Reason: err.Error()}
	}

	reasons := make([]string, len(verrs))
	for i, verr := range verrs {
		reasons[i] = fmt.Sprintf("%s %s", verr.Field(), verr.Tag())
	}
	return InvalidRequestError{Reason: strings.Join(reasons, ", ")}
}
