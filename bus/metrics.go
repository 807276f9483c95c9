// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/z5labs/keel/bus"
)

// metricsRecorder holds OTel metric instruments for tracking command submissions.
type metricsRecorder struct {
	commandsAccepted    metric.Int64Counter
	submissionsRejected metric.Int64Counter
}

// newMetricsRecorder creates a new metricsRecorder with initialized metric instruments.
func newMetricsRecorder() (*metricsRecorder, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	commandsAccepted, err := meter.Int64Counter(
		"command.bus.commands.accepted",
		metric.WithDescription("Total number of commands accepted for execution"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	submissionsRejected, err := meter.Int64Counter(
		"command.bus.submissions.rejected",
		metric.WithDescription("Total number of submissions rejected as duplicates"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		commandsAccepted:    commandsAccepted,
		submissionsRejected: submissionsRejected,
	}, nil
}

// recordAccepted records an accepted submission.
func (m *metricsRecorder) recordAccepted(ctx context.Context, name string) {
	m.commandsAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
}

// recordRejected records a submission rejected as a duplicate.
func (m *metricsRecorder) recordRejected(ctx context.Context, name string) {
	m.submissionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("command", name)))
}
