// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package config

import "time"

// Resource identifies the service which all telemetry is attributed to.
type Resource struct {
	ServiceName    string `config:"service_name"`
	ServiceVersion string `config:"service_version"`
}

// OTLPConnType differentiates the supported OTLP transports.
type OTLPConnType string

const (
	OTLPHTTP OTLPConnType = "http"
	OTLPGRPC OTLPConnType = "grpc"
)

// OTLP configures an OTLP exporter connection. An empty Target disables
// exporting over OTLP entirely.
type OTLP struct {
	Type   OTLPConnType `config:"type"`
	Target string       `config:"target"`
}

// Batch configures batched exporting of telemetry signals.
type Batch struct {
	ExportInterval time.Duration `config:"export_interval"`
	MaxSize        int           `config:"max_size"`
}

// Trace configures trace sampling and exporting.
type Trace struct {
	// Sampling is the ratio of trace IDs which will be sampled.
	Sampling float64 `config:"sampling"`

	Batch Batch `config:"batch"`
	OTLP  OTLP  `config:"otlp"`
}

// Metric configures periodic metric exporting.
type Metric struct {
	ExportInterval time.Duration `config:"export_interval"`

	OTLP OTLP `config:"otlp"`
}

// Log configures log record exporting. When no OTLP target is set, log
// records are written to STDOUT as JSON instead of being dropped.
type Log struct {
	Batch Batch `config:"batch"`
	OTLP  OTLP  `config:"otlp"`
}

// OTel is the aggregate configuration for all OpenTelemetry signals.
type OTel struct {
	Resource Resource `config:"resource"`
	Trace    Trace    `config:"trace"`
	Metric   Metric   `config:"metric"`
	Log      Log      `config:"log"`
}
