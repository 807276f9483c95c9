// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package amqp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/z5labs/keel/queue/amqp"
)

// metricsRecorder holds OTel metric instruments for tracking AMQP message processing.
type metricsRecorder struct {
	messagesProcessed  metric.Int64Counter
	messagesRequeued   metric.Int64Counter
	processingFailures metric.Int64Counter
	messagesPublished  metric.Int64Counter
}

// newMetricsRecorder creates a new metricsRecorder with initialized metric instruments.
func newMetricsRecorder() (*metricsRecorder, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	messagesProcessed, err := meter.Int64Counter(
		"amqp.consumer.messages.processed",
		metric.WithDescription("Total number of AMQP deliveries processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	messagesRequeued, err := meter.Int64Counter(
		"amqp.consumer.messages.requeued",
		metric.WithDescription("Total number of AMQP deliveries requeued after a processing failure"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	processingFailures, err := meter.Int64Counter(
		"amqp.consumer.processing.failures",
		metric.WithDescription("Total number of AMQP delivery processing failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	messagesPublished, err := meter.Int64Counter(
		"amqp.producer.messages.published",
		metric.WithDescription("Total number of AMQP messages published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		messagesProcessed:  messagesProcessed,
		messagesRequeued:   messagesRequeued,
		processingFailures: processingFailures,
		messagesPublished:  messagesPublished,
	}, nil
}

// recordMessageProcessed records a successfully processed delivery.
func (m *metricsRecorder) recordMessageProcessed(ctx context.Context, queue string) {
	m.messagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// recordMessageRequeued records a delivery returned to its queue.
func (m *metricsRecorder) recordMessageRequeued(ctx context.Context, queue string) {
	m.messagesRequeued.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// recordProcessingFailure records a delivery processing failure.
func (m *metricsRecorder) recordProcessingFailure(ctx context.Context, queue string) {
	m.processingFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// recordMessagePublished records a successfully published message.
func (m *metricsRecorder) recordMessagePublished(ctx context.Context, queue string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}
