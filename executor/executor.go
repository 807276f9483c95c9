// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package executor runs inbound command envelopes exactly once inside
// a single transaction.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/dlq"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/inbox"
	"github.com/z5labs/keel/outbox"
	"github.com/z5labs/keel/process"
)

// Stores bundles every store bound to one transaction.
type Stores struct {
	Commands  command.Store
	Inbox     inbox.Store
	Outbox    outbox.Store
	DLQ       dlq.Store
	Processes process.Store
}

// ProcessTxn narrows the bundle to the stores the process manager
// needs.
func (s Stores) ProcessTxn() process.Txn {
	return process.Txn{
		Commands:  s.Commands,
		Outbox:    s.Outbox,
		Processes: s.Processes,
	}
}

// UnitOfWork runs a function inside one transaction. The function
// receives stores bound to that transaction; returning an error rolls
// everything back.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(context.Context, Stores) error) error
}

// inboxHandler names this component in the deduplication set.
const inboxHandler = "CommandExecutor"

// Option configures an [Executor].
type Option func(*Executor)

// LogHandler sets the slog handler used by the executor.
func LogHandler(h slog.Handler) Option {
	return func(e *Executor) {
		e.log = slog.New(h)
	}
}

// LeaseDuration sets how long a processing lease lasts. A worker
// holding a command longer than this is considered crashed and the
// command becomes eligible for takeover.
func LeaseDuration(d time.Duration) Option {
	return func(e *Executor) {
		e.lease = d
	}
}

// WorkerID sets the identifier recorded on dead letter entries.
func WorkerID(id string) Option {
	return func(e *Executor) {
		e.workerID = id
	}
}

// Naming sets the scheme used to derive reply and event destinations.
func Naming(n outbox.Naming) Option {
	return func(e *Executor) {
		e.naming = n
	}
}

// Executor processes command envelopes. A single invocation owns one
// transaction holding the inbox gate, the command transition, the
// handler outcome and the resulting outbox rows.
type Executor struct {
	uow      UnitOfWork
	registry *command.Registry
	manager  *process.Manager
	naming   outbox.Naming
	lease    time.Duration
	workerID string
	log      *slog.Logger
	metrics  *metricsRecorder
}

// New initializes an [Executor].
func New(uow UnitOfWork, registry *command.Registry, manager *process.Manager, opts ...Option) (*Executor, error) {
	metrics, err := newMetricsRecorder()
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "executor"
	}

	e := &Executor{
		uow:      uow,
		registry: registry,
		manager:  manager,
		naming:   outbox.DefaultNaming(),
		lease:    60 * time.Second,
		workerID: hostname,
		log:      slog.New(slog.DiscardHandler),
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Process executes env and returns nil once its effects are durable,
// including a committed permanent failure. A returned error means
// nothing was committed and the envelope must be redelivered.
//
// The transaction layout follows the at most once handler rule: the
// inbox entry, the command transition, the handler outcome and the
// reply and event outbox rows all commit together. A retryable
// failure rolls all of it back, so the inbox admits the redelivery.
func (e *Executor) Process(ctx context.Context, env envelope.Envelope) error {
	err := env.Validate()
	if err != nil {
		return command.Permanent(err)
	}

	err = e.uow.Do(ctx, func(ctx context.Context, s Stores) error {
		first, err := s.Inbox.MarkIfAbsent(ctx, env.MessageID, inboxHandler)
		if err != nil {
			return err
		}
		if !first {
			e.metrics.recordDuplicate(ctx)
			e.log.InfoContext(ctx, "suppressed duplicate delivery", slog.String("message_id", env.MessageID), slog.String("command_id", env.CommandID))
			return nil
		}

		err = s.Commands.MarkRunning(ctx, env.CommandID, time.Now().UTC().Add(e.lease))
		if err != nil {
			var terr command.InvalidTransitionError
			if errors.As(err, &terr) && terr.From.Terminal() {
				// settled by an earlier delivery under a different
				// message id, commit the inbox entry and move on
				return nil
			}
			return command.Transient(err)
		}

		reply, err := e.route(ctx, s, env)
		if err == nil {
			return e.succeed(ctx, s, env, reply)
		}
		if !command.IsPermanent(err) {
			return err
		}
		return e.failPermanently(ctx, s, env, err)
	})
	if err == nil {
		return nil
	}

	e.recordFailure(ctx, env, err)
	return err
}

func (e *Executor) route(ctx context.Context, s Stores, env envelope.Envelope) (command.Reply, error) {
	if e.manager != nil && e.registry.IsInitiation(env.Name) {
		res, err := e.manager.Start(ctx, s.ProcessTxn(), env)
		if err != nil {
			return command.Reply{}, err
		}

		return command.NewReply(env.CommandID, env.CorrelationID, map[string]any{
			"processId":   res.ProcessID,
			"processType": res.ProcessType,
			"status":      res.Status,
		}), nil
	}

	return e.registry.Handle(ctx, command.Message{
		ID:            env.CommandID,
		Name:          env.Name,
		CorrelationID: env.CorrelationID,
		Key:           env.Key,
		Headers:       env.Headers,
		Payload:       env.Payload,
	})
}

func (e *Executor) succeed(ctx context.Context, s Stores, env envelope.Envelope, reply command.Reply) error {
	err := s.Commands.MarkSucceeded(ctx, env.CommandID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	_, err = s.Outbox.Insert(ctx, e.naming.MqReply(env, command.ReplyTypeCompleted, payload))
	if err != nil {
		return err
	}

	_, err = s.Outbox.Insert(ctx, outbox.KafkaEvent(e.naming.EventTopic(env.Name), env.Key, command.ReplyTypeCompleted, payload))
	if err != nil {
		return err
	}

	e.metrics.recordProcessed(ctx, env.Name)
	e.log.InfoContext(ctx, "command succeeded", slog.String("command", env.Name), slog.String("command_id", env.CommandID))
	return nil
}

// failPermanently commits the failure: the command moves to FAILED,
// a dead letter entry is parked and the failure reply and event are
// queued, all in the same transaction as the inbox entry.
func (e *Executor) failPermanently(ctx context.Context, s Stores, env envelope.Envelope, cause error) error {
	err := s.Commands.MarkFailed(ctx, env.CommandID, command.ErrorMessage(cause))
	if err != nil {
		return err
	}

	cmd, err := s.Commands.Find(ctx, env.CommandID)
	if err != nil {
		return err
	}

	err = s.DLQ.Park(ctx, dlq.NewEntry(cmd, cause, e.workerID))
	if err != nil {
		return err
	}

	reply := command.NewFailedReply(env.CommandID, env.CorrelationID, cause)
	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	_, err = s.Outbox.Insert(ctx, e.naming.MqReply(env, command.ReplyTypeFailed, payload))
	if err != nil {
		return err
	}

	_, err = s.Outbox.Insert(ctx, outbox.KafkaEvent(e.naming.EventTopic(env.Name), env.Key, command.ReplyTypeFailed, payload))
	if err != nil {
		return err
	}

	e.metrics.recordPermanentFailure(ctx, env.Name)
	e.log.ErrorContext(
		ctx,
		"command failed permanently",
		slog.String("command", env.Name),
		slog.String("command_id", env.CommandID),
		slog.String("error", command.ErrorMessage(cause)),
	)
	return nil
}

// recordFailure persists the retry bookkeeping for a rolled back
// processing in its own short transaction, so the count survives the
// rollback which triggered it.
func (e *Executor) recordFailure(ctx context.Context, env envelope.Envelope, cause error) {
	e.metrics.recordRollback(ctx, env.Name)
	e.log.WarnContext(
		ctx,
		"command processing rolled back",
		slog.String("command", env.Name),
		slog.String("command_id", env.CommandID),
		slog.String("class", string(command.Classify(cause))),
		slog.String("error", command.ErrorMessage(cause)),
	)

	// the surrounding context may already be done, bookkeeping still
	// has to land
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := e.uow.Do(bookCtx, func(ctx context.Context, s Stores) error {
		if errors.Is(cause, context.DeadlineExceeded) {
			return s.Commands.MarkTimedOut(ctx, env.CommandID, "processing deadline exceeded")
		}
		return s.Commands.BumpRetry(ctx, env.CommandID, command.ErrorMessage(cause))
	})
	if err != nil {
		e.log.ErrorContext(ctx, "failed to record retry", slog.String("command_id", env.CommandID), slog.String("error", err.Error()))
	}
}
