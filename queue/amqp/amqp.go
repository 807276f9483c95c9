// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/z5labs/keel/config"
)

// Message is one delivery consumed from a queue.
type Message struct {
	Queue     string
	Key       string
	Type      string
	Body      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Config holds configuration readers for RabbitMQ infrastructure
// settings.
type Config struct {
	URL      config.Reader[string]
	Prefetch config.Reader[int]
}

// URLFromEnv reads the RabbitMQ connection URL from the AMQP_URL
// environment variable.
func URLFromEnv() config.Reader[string] {
	return config.Env("AMQP_URL")
}

// dial resolves the connection URL and opens a connection plus a
// channel on it.
func dial(ctx context.Context, cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	url, err := config.Read(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp: failed to read connection url: %w", err)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// declareQueue declares name as a durable queue. Declaration is
// idempotent so every side of the fabric can declare the queues it
// touches.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// headerMap converts an AMQP header table into the string map shape
// the envelope mapper consumes. Non string values are stringified
// with their default formatting.
func headerMap(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}

	headers := make(map[string]string, len(table))
	for key, value := range table {
		switch v := value.(type) {
		case string:
			headers[key] = v
		case []byte:
			headers[key] = string(v)
		default:
			headers[key] = fmt.Sprintf("%v", v)
		}
	}
	return headers
}

// headerTable converts envelope headers into an AMQP header table.
func headerTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}
	return table
}

// readOr resolves r, falling back to def when r is nil or produced no
// value.
func readOr[T any](ctx context.Context, def T, r config.Reader[T]) (T, error) {
	if r == nil {
		return def, nil
	}

	v, err := config.Read(ctx, r)
	if errors.Is(err, config.ErrNotPresent) {
		return def, nil
	}
	return v, err
}
