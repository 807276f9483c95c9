// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otel initializes the global OpenTelemetry providers.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/z5labs/keel/concurrent"
	"github.com/z5labs/keel/config"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Initialize configures the global trace, metric and log providers.
//
// Exporting for each signal is driven by its OTLP target. A signal with
// no target falls back to a no-op exporter, except logs which fall back
// to writing JSON records to STDOUT.
func Initialize(ctx context.Context, cfg config.OTel) error {
	r, err := detectResource(ctx, cfg.Resource)
	if err != nil {
		return err
	}

	grpcCache := concurrent.NewCache[string, *grpc.ClientConn]()

	initers := []initializer{
		traceProviderInitializer{
			cfg:       cfg.Trace,
			r:         r,
			grpcCache: grpcCache,
		},
		meterProviderInitializer{
			cfg:       cfg.Metric,
			r:         r,
			grpcCache: grpcCache,
		},
		logProviderInitializer{
			cfg:       cfg.Log,
			r:         r,
			grpcCache: grpcCache,
		},
	}

	for _, initer := range initers {
		err := initer.Init(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func getOrNewClientConn(cfg config.OTLP, cache *concurrent.Cache[string, *grpc.ClientConn]) (*grpc.ClientConn, error) {
	return cache.GetOr(cfg.Target, func() (*grpc.ClientConn, error) {
		return grpc.NewClient(
			cfg.Target,
			// TODO: support secure transport credentials
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	})
}

func detectResource(ctx context.Context, cfg config.Resource) (*resource.Resource, error) {
	return resource.Detect(
		ctx,
		telemetrySDKDetector{},
		hostDetector(),
		serviceNameDetector(cfg.ServiceName),
		serviceVersionDetector(cfg.ServiceVersion),
	)
}

type initializer interface {
	Init(context.Context) error
}

// UnknownOTLPConnTypeError is returned when an OTLP target is set but
// its conn type is not one of the supported values.
type UnknownOTLPConnTypeError struct {
	Type config.OTLPConnType
}

func (e UnknownOTLPConnTypeError) Error() string {
	return fmt.Sprintf("unknown otlp conn type: %q", e.Type)
}

type traceProviderInitializer struct {
	cfg       config.Trace
	r         *resource.Resource
	grpcCache *concurrent.Cache[string, *grpc.ClientConn]
}

func (tpi traceProviderInitializer) Init(ctx context.Context) error {
	exp, err := tpi.initExporter(ctx)
	if err != nil {
		return err
	}

	tp := trace.NewTracerProvider(
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(
			exp,
			trace.WithBatchTimeout(tpi.cfg.Batch.ExportInterval),
			trace.WithMaxExportBatchSize(tpi.cfg.Batch.MaxSize),
		)),
		trace.WithSampler(trace.TraceIDRatioBased(tpi.cfg.Sampling)),
		trace.WithResource(tpi.r),
	)
	otel.SetTracerProvider(tp)
	return nil
}

func (tpi traceProviderInitializer) initExporter(ctx context.Context) (trace.SpanExporter, error) {
	if tpi.cfg.OTLP.Target == "" {
		return noopSpanExporter{}, nil
	}

	switch tpi.cfg.OTLP.Type {
	case config.OTLPGRPC:
		cc, err := getOrNewClientConn(tpi.cfg.OTLP, tpi.grpcCache)
		if err != nil {
			return nil, err
		}

		return otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithGRPCConn(cc),
		)
	case config.OTLPHTTP:
		return otlptracehttp.New(
			ctx,
			otlptracehttp.WithEndpoint(tpi.cfg.OTLP.Target),
		)
	default:
		return nil, UnknownOTLPConnTypeError{
			Type: tpi.cfg.OTLP.Type,
		}
	}
}

type meterProviderInitializer struct {
	cfg       config.Metric
	r         *resource.Resource
	grpcCache *concurrent.Cache[string, *grpc.ClientConn]
}

func (mpi meterProviderInitializer) Init(ctx context.Context) error {
	exp, err := mpi.initExporter(ctx)
	if err != nil {
		return err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(
			exp,
			metric.WithInterval(mpi.cfg.ExportInterval),
			metric.WithProducer(runtime.NewProducer()),
		)),
		metric.WithResource(mpi.r),
	)
	otel.SetMeterProvider(mp)

	return runtime.Start(
		runtime.WithMinimumReadMemStatsInterval(time.Second),
	)
}

func (mpi meterProviderInitializer) initExporter(ctx context.Context) (metric.Exporter, error) {
	if mpi.cfg.OTLP.Target == "" {
		return noopMetricExporter{}, nil
	}

	switch mpi.cfg.OTLP.Type {
	case config.OTLPGRPC:
		cc, err := getOrNewClientConn(mpi.cfg.OTLP, mpi.grpcCache)
		if err != nil {
			return nil, err
		}

		return otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithGRPCConn(cc),
		)
	case config.OTLPHTTP:
		return otlpmetrichttp.New(
			ctx,
			otlpmetrichttp.WithEndpoint(mpi.cfg.OTLP.Target),
		)
	default:
		return nil, UnknownOTLPConnTypeError{
			Type: mpi.cfg.OTLP.Type,
		}
	}
}

type logProviderInitializer struct {
	cfg       config.Log
	r         *resource.Resource
	grpcCache *concurrent.Cache[string, *grpc.ClientConn]
}

func (lpi logProviderInitializer) Init(ctx context.Context) error {
	exp, err := lpi.initExporter(ctx)
	if err != nil {
		return err
	}

	provider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(
			exp,
			log.WithExportInterval(lpi.cfg.Batch.ExportInterval),
			log.WithExportMaxBatchSize(lpi.cfg.Batch.MaxSize),
		)),
		log.WithResource(lpi.r),
	)
	global.SetLoggerProvider(provider)

	return nil
}

func (lpi logProviderInitializer) initExporter(ctx context.Context) (log.Exporter, error) {
	if lpi.cfg.OTLP.Target == "" {
		exp := &slogExporter{
			handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}),
		}
		return exp, nil
	}

	switch lpi.cfg.OTLP.Type {
	case config.OTLPGRPC:
		cc, err := getOrNewClientConn(lpi.cfg.OTLP, lpi.grpcCache)
		if err != nil {
			return nil, err
		}

		return otlploggrpc.New(
			ctx,
			otlploggrpc.WithGRPCConn(cc),
		)
	case config.OTLPHTTP:
		return otlploghttp.New(
			ctx,
			otlploghttp.WithEndpoint(lpi.cfg.OTLP.Target),
		)
	default:
		return nil, UnknownOTLPConnTypeError{
			Type: lpi.cfg.OTLP.Type,
		}
	}
}
