// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/z5labs/keel/executor"
)

// metricsRecorder holds OTel metric instruments for tracking command execution.
type metricsRecorder struct {
	commandsProcessed   metric.Int64Counter
	duplicateDeliveries metric.Int64Counter
	permanentFailures   metric.Int64Counter
	rolledBack          metric.Int64Counter
}

// newMetricsRecorder creates a new metricsRecorder with initialized metric instruments.
func newMetricsRecorder() (*metricsRecorder, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	commandsProcessed, err := meter.Int64Counter(
		"command.executor.commands.processed",
		metric.WithDescription("Total number of commands executed successfully"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	duplicateDeliveries, err := meter.Int64Counter(
		"command.executor.deliveries.duplicate",
		metric.WithDescription("Total number of duplicate deliveries suppressed by the inbox"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	permanentFailures, err := meter.Int64Counter(
		"command.executor.commands.failed",
		metric.WithDescription("Total number of commands failed permanently and dead lettered"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	rolledBack, err := meter.Int64Counter(
		"command.executor.commands.rolled_back",
		metric.WithDescription("Total number of command processings rolled back for redelivery"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		commandsProcessed:   commandsProcessed,
		duplicateDeliveries: duplicateDeliveries,
		permanentFailures:   permanentFailures,
		rolledBack:          rolledBack,
	}, nil
}

// recordProcessed records a successfully executed command.
func (m *metricsRecorder) recordProcessed(ctx context.Context, name string) {
	m.commandsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
}

// recordDuplicate records a delivery suppressed by the inbox gate.
func (m *metricsRecorder) recordDuplicate(ctx context.Context) {
	m.duplicateDeliveries.Add(ctx, 1)
}

// recordPermanentFailure records a command failed permanently.
func (m *metricsRecorder) recordPermanentFailure(ctx context.Context, name string) {
	m.permanentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
}

// recordRollback records a processing rolled back for redelivery.
func (m *metricsRecorder) recordRollback(ctx context.Context, name string) {
	m.rolledBack.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
}
