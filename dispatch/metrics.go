// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/z5labs/keel/dispatch"
)

// metricsRecorder holds OTel metric instruments for tracking outbox dispatching.
type metricsRecorder struct {
	entriesPublished   metric.Int64Counter
	entriesRescheduled metric.Int64Counter
	entriesUnroutable  metric.Int64Counter
	entriesRecovered   metric.Int64Counter
	leasesRecovered    metric.Int64Counter
	fastPathClaims     metric.Int64Counter
}

// newMetricsRecorder creates a new metricsRecorder with initialized metric instruments.
func newMetricsRecorder() (*metricsRecorder, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	entriesPublished, err := meter.Int64Counter(
		"outbox.dispatch.entries.published",
		metric.WithDescription("Total number of outbox entries published to a broker"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	entriesRescheduled, err := meter.Int64Counter(
		"outbox.dispatch.entries.rescheduled",
		metric.WithDescription("Total number of outbox entries rescheduled after a failed publish"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	entriesUnroutable, err := meter.Int64Counter(
		"outbox.dispatch.entries.unroutable",
		metric.WithDescription("Total number of outbox entries parked because no publisher matched their category"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	entriesRecovered, err := meter.Int64Counter(
		"outbox.dispatch.entries.recovered",
		metric.WithDescription("Total number of stuck claimed entries returned to the queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	leasesRecovered, err := meter.Int64Counter(
		"outbox.dispatch.leases.recovered",
		metric.WithDescription("Total number of commands whose expired processing leases were released"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	fastPathClaims, err := meter.Int64Counter(
		"outbox.dispatch.fastpath.claims",
		metric.WithDescription("Total number of fast path claim attempts"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		entriesPublished:   entriesPublished,
		entriesRescheduled: entriesRescheduled,
		entriesUnroutable:  entriesUnroutable,
		entriesRecovered:   entriesRecovered,
		leasesRecovered:    leasesRecovered,
		fastPathClaims:     fastPathClaims,
	}, nil
}

// recordPublished records a successfully published entry.
func (m *metricsRecorder) recordPublished(ctx context.Context, category string) {
	m.entriesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// recordRescheduled records an entry returned to the queue with backoff.
func (m *metricsRecorder) recordRescheduled(ctx context.Context, category string) {
	m.entriesRescheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// recordUnroutable records an entry with no matching publisher.
func (m *metricsRecorder) recordUnroutable(ctx context.Context) {
	m.entriesUnroutable.Add(ctx, 1)
}

// recordRecovered records stuck entries returned to the queue.
func (m *metricsRecorder) recordRecovered(ctx context.Context, n int64) {
	m.entriesRecovered.Add(ctx, n)
}

// recordLeasesRecovered records commands returned to PENDING on lease expiry.
func (m *metricsRecorder) recordLeasesRecovered(ctx context.Context, n int64) {
	m.leasesRecovered.Add(ctx, n)
}

// recordFastPathClaim records one fast path claim attempt and whether it won.
func (m *metricsRecorder) recordFastPathClaim(ctx context.Context, won bool) {
	m.fastPathClaims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("won", won)))
}
