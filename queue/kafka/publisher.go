// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"maps"
	"slices"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/z5labs/keel/outbox"
)

// Publisher delivers outbox entries of category event to their Kafka
// topics. It implements the publisher contract of the outbox
// dispatcher.
type Publisher struct {
	client  *kgo.Client
	metrics *metricsRecorder
}

// NewPublisher creates a [Publisher].
//
// The underlying client produces with acks from all in sync replicas
// and is idempotent, so a broker side retry never duplicates a
// record. Duplicates from dispatcher retries remain possible and are
// absorbed by consumer side idempotency.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	opts, err := clientOpts(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.WithHooks(tracerHook("")),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	metrics, err := newMetricsRecorder()
	if err != nil {
		client.Close()
		return nil, err
	}

	return &Publisher{
		client:  client,
		metrics: metrics,
	}, nil
}

// Publish produces the entry synchronously and only reports success
// after the broker acknowledged the record.
func (p *Publisher) Publish(ctx context.Context, entry outbox.Entry) error {
	record := recordFor(entry)

	err := p.client.ProduceSync(ctx, record).FirstErr()
	if err != nil {
		return err
	}

	p.metrics.recordMessagePublished(ctx, record.Topic)
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	defer p.client.Close()
	return p.client.Flush(ctx)
}

// recordFor maps an outbox entry onto a Kafka record. The entry key
// becomes the record key so entries for the same aggregate land on
// the same partition, and the entry type travels as a header next to
// the envelope headers.
func recordFor(entry outbox.Entry) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(entry.Headers)+1)
	for _, key := range slices.Sorted(maps.Keys(entry.Headers)) {
		headers = append(headers, kgo.RecordHeader{
			Key:   key,
			Value: []byte(entry.Headers[key]),
		})
	}
	headers = append(headers, kgo.RecordHeader{
		Key:   "type",
		Value: []byte(entry.Type),
	})

	return &kgo.Record{
		Topic:   entry.Topic,
		Key:     []byte(entry.Key),
		Value:   entry.Payload,
		Headers: headers,
	}
}
