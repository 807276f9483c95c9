// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/config"
)

// Header represents a Kafka message header.
type Header struct {
	Key   string
	Value []byte
}

// Message represents a Kafka message.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
	Topic     string
	Partition int32
	Offset    int64
}

// HeaderMap flattens the message headers into a string map, which is
// the shape the envelope mapper consumes. Later values win on
// duplicate keys.
func (m Message) HeaderMap() map[string]string {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return headers
}

// Config holds configuration readers for Kafka infrastructure settings.
type Config struct {
	Brokers          config.Reader[[]string]
	GroupID          config.Reader[string]
	SessionTimeout   config.Reader[time.Duration]
	RebalanceTimeout config.Reader[time.Duration]
	FetchMaxBytes    config.Reader[int32]
	TLSConfig        config.Reader[*tls.Config]
}

// BrokersFromEnv reads Kafka broker addresses from the KAFKA_BROKERS environment variable.
// Brokers should be comma-separated (e.g., "localhost:9092,localhost:9093").
func BrokersFromEnv() config.Reader[[]string] {
	return config.Map(
		config.Env("KAFKA_BROKERS"),
		func(ctx context.Context, s string) ([]string, error) {
			return strings.Split(s, ","), nil
		},
	)
}

// GroupIDFromEnv reads the Kafka consumer group ID from the KAFKA_GROUP_ID environment variable.
func GroupIDFromEnv() config.Reader[string] {
	return config.Env("KAFKA_GROUP_ID")
}

// clientOpts resolves the base client options shared by consumers and
// publishers: brokers, TLS and the otel and slog plugins.
func clientOpts(ctx context.Context, cfg Config) ([]kgo.Opt, error) {
	brokers, err := config.Read(ctx, cfg.Brokers)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithLogger(kslog.New(keel.Logger("github.com/twmb/franz-go/pkg/kgo"))),
		kgo.WithHooks(
			kotel.NewMeter(
				kotel.MeterProvider(otel.GetMeterProvider()),
				kotel.WithMergedConnectsMeter(),
			),
		),
	}

	tlsConfig, err := readOr(ctx, (*tls.Config)(nil), cfg.TLSConfig)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	return opts, nil
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

// tracerHook returns the kotel tracing hook, optionally bound to a
// consumer group.
func tracerHook(groupID string) *kotel.Tracer {
	tracerOpts := []kotel.TracerOpt{
		kotel.TracerProvider(otel.GetTracerProvider()),
		kotel.TracerPropagator(otel.GetTextMapPropagator()),
		kotel.LinkSpans(),
	}
	if groupID != "" {
		tracerOpts = append(tracerOpts, kotel.ConsumerGroup(groupID))
	}
	return kotel.NewTracer(tracerOpts...)
}
