// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package executor

import (
	"context"
	"log/slog"

	"github.com/z5labs/keel/command"
	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/process"
)

// replyInboxHandler names the reply consumer in the deduplication set.
const replyInboxHandler = "ProcessManager"

// ReplyOption configures a [ReplyProcessor].
type ReplyOption func(*ReplyProcessor)

// ReplyLogHandler sets the slog handler used by the reply processor.
func ReplyLogHandler(h slog.Handler) ReplyOption {
	return func(p *ReplyProcessor) {
		p.log = slog.New(h)
	}
}

// ReplyProcessor feeds command reply envelopes to the process manager
// inside the same transactional envelope commands get: the inbox gate
// and every process mutation share one transaction.
type ReplyProcessor struct {
	uow     UnitOfWork
	manager *process.Manager
	log     *slog.Logger
}

// NewReplyProcessor creates a [ReplyProcessor].
func NewReplyProcessor(uow UnitOfWork, manager *process.Manager, opts ...ReplyOption) *ReplyProcessor {
	p := &ReplyProcessor{
		uow:     uow,
		manager: manager,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one reply envelope. Replies matching no live
// process are dropped, as are duplicates; both are normal under
// at-least-once delivery and shared reply queues.
func (p *ReplyProcessor) Process(ctx context.Context, env envelope.Envelope) error {
	err := env.Validate()
	if err != nil {
		p.log.ErrorContext(ctx, "dropping invalid reply",
			slog.String("message_id", env.MessageID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	err = p.uow.Do(ctx, func(ctx context.Context, s Stores) error {
		first, err := s.Inbox.MarkIfAbsent(ctx, env.MessageID, replyInboxHandler)
		if err != nil {
			return err
		}
		if !first {
			p.log.InfoContext(ctx, "suppressed duplicate reply delivery",
				slog.String("message_id", env.MessageID),
				slog.String("command_id", env.CommandID),
			)
			return nil
		}

		handled, err := p.manager.HandleReply(ctx, s.ProcessTxn(), env)
		if err != nil {
			return err
		}
		if !handled {
			p.log.DebugContext(ctx, "reply matched no process",
				slog.String("correlation_id", env.CorrelationID),
				slog.String("command_id", env.CommandID),
			)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	// A permanent failure cannot be fixed by redelivery. The envelope
	// is dropped so a poison reply does not wedge the queue.
	if command.IsPermanent(err) {
		p.log.ErrorContext(ctx, "dropping reply after permanent failure",
			slog.String("message_id", env.MessageID),
			slog.String("command_id", env.CommandID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}
