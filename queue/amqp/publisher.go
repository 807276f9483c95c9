// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package amqp

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/outbox"
)

// Publisher delivers outbox entries of category command and reply to
// their queues. It implements the publisher contract of the outbox
// dispatcher.
//
// The channel runs in confirm mode, so Publish only reports success
// after the broker acknowledged the message. Messages are persistent
// and queues durable, so an acknowledged message survives a broker
// restart.
type Publisher struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	metrics *metricsRecorder

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewPublisher creates a [Publisher].
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	conn, ch, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	err = ch.Confirm(false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		ch:       ch,
		metrics:  metrics,
		declared: make(map[string]struct{}),
	}, nil
}

// Publish delivers the entry to the queue named by its topic through
// the default exchange and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, entry outbox.Entry) error {
	err := p.ensureQueue(entry.Topic)
	if err != nil {
		return err
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",          // default exchange
		entry.Topic, // routing key, the queue name
		false,       // mandatory
		false,       // immediate
		publishingFor(entry),
	)
	if err != nil {
		return err
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return amqp.ErrClosed
	}

	p.metrics.recordMessagePublished(ctx, entry.Topic)
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// ensureQueue declares the target queue once per publisher lifetime.
func (p *Publisher) ensureQueue(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.declared[name]; ok {
		return nil
	}

	err := declareQueue(p.ch, name)
	if err != nil {
		return err
	}

	p.declared[name] = struct{}{}
	return nil
}

// publishingFor maps an outbox entry onto an AMQP publishing. The
// entry type travels in the message type property and the envelope
// headers in the header table.
func publishingFor(entry outbox.Entry) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         entry.Type,
		MessageId:    entry.Headers[envelope.HeaderMessageID],
		Headers:      headerTable(entry.Headers),
		Body:         entry.Payload,
	}
}
