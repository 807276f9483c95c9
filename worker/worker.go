// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package worker assembles the execution core into a runnable service.
//
// A worker consumes commands and replies from the message queue,
// executes them through the transactional executor, sweeps the outbox
// to the brokers and serves liveness and readiness over HTTP. The
// pieces are wired from configuration; callers contribute command
// handlers and process definitions via [App] options.
package worker

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/z5labs/keel"
	"github.com/z5labs/keel/outbox"

	"github.com/z5labs/bedrock"
	"github.com/z5labs/bedrock/app"
	"github.com/z5labs/bedrock/appbuilder"
	bedrockcfg "github.com/z5labs/bedrock/config"
	"github.com/z5labs/bedrock/lifecycle"
)

//go:embed default_config.yaml
var defaultConfig []byte

// DefaultConfig returns the default config source which corresponds to the [Config] type.
func DefaultConfig() bedrockcfg.Source {
	return bedrockcfg.MultiSource(
		keel.DefaultConfig(),
		keel.ConfigSource(bytes.NewReader(defaultConfig)),
	)
}

// QueueNaming configures how command queue names are derived.
type QueueNaming struct {
	CommandPrefix string `config:"command_prefix"`
	QueueSuffix   string `config:"queue_suffix"`
	ReplyQueue    string `config:"reply_queue"`
}

// TopicNaming configures how event topic names are derived.
type TopicNaming struct {
	EventPrefix string `config:"event_prefix"`
}

// HTTPConfig configures the ops HTTP server.
type HTTPConfig struct {
	Port uint `config:"port"`
}

// KeelConfig carries the execution core knobs.
type KeelConfig struct {
	CommandLeaseSeconds    int           `config:"command_lease_seconds"`
	OutboxSweepInterval    time.Duration `config:"outbox_sweep_interval"`
	OutboxBatchSize        int           `config:"outbox_batch_size"`
	OutboxClaimTimeout     time.Duration `config:"outbox_claim_timeout"`
	OutboxMaxBackoffMillis int           `config:"outbox_max_backoff_millis"`
	FastPathConcurrency    int           `config:"fast_path_concurrency"`
	QueueNaming            QueueNaming   `config:"queue_naming"`
	TopicNaming            TopicNaming   `config:"topic_naming"`
	HTTP                   HTTPConfig    `config:"http"`
}

// Naming folds the queue and topic naming sections into the scheme
// the outbox builders consume.
func (c KeelConfig) Naming() outbox.Naming {
	return outbox.Naming{
		CommandPrefix: c.QueueNaming.CommandPrefix,
		QueueSuffix:   c.QueueNaming.QueueSuffix,
		ReplyQueue:    c.QueueNaming.ReplyQueue,
		EventPrefix:   c.TopicNaming.EventPrefix,
	}
}

// Config is the default config which can be easily embedded into a
// more custom app specific config.
type Config struct {
	keel.Config `config:",squash"`

	Keel KeelConfig `config:"keel"`
}

// Configer is leveraged to constrain the custom config type into
// supporting specific initialization behaviour required by [Run].
type Configer interface {
	appbuilder.OTelInitializer
}

// Builder initializes a [bedrock.AppBuilder] for your [App].
func Builder[T Configer](f func(context.Context, T) (*App, error)) bedrock.AppBuilder[T] {
	return appbuilder.LifecycleContext(
		appbuilder.OTel(
			appbuilder.Recover(
				bedrock.AppBuilderFunc[T](func(ctx context.Context, cfg T) (bedrock.App, error) {
					a, err := f(ctx, cfg)
					if err != nil {
						return nil, err
					}

					bapp := app.InterruptOn(
						app.Recover(a),
						os.Kill,
						os.Interrupt,
						syscall.SIGTERM,
					)
					return bapp, nil
				}),
			),
		),
		&lifecycle.Context{},
	)
}

// RunOptions are used for configuring the running of an [App].
type RunOptions struct {
	logger *slog.Logger
}

// RunOption sets a value on [RunOptions].
type RunOption interface {
	ApplyRunOption(*RunOptions)
}

type runOptionFunc func(*RunOptions)

func (f runOptionFunc) ApplyRunOption(ro *RunOptions) {
	f(ro)
}

// LogHandler overrides the default [slog.Handler] used for logging
// any error encountered while building or running the [App].
func LogHandler(h slog.Handler) RunOption {
	return runOptionFunc(func(ro *RunOptions) {
		ro.logger = slog.New(h)
	})
}

// Run begins by reading, parsing and unmarshaling your custom config
// into the type T. Then it calls the providing function to initialize
// your [App] and runs it until it stops or an interrupt signal is
// received. Panic recovery, OTel SDK initialization and shutdown and
// OS signal based shutdown are layered around the app for you.
func Run[T Configer](r io.Reader, f func(context.Context, T) (*App, error), opts ...RunOption) {
	ro := &RunOptions{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})),
	}
	for _, opt := range opts {
		opt.ApplyRunOption(ro)
	}

	runner := keel.NewRunner(
		appbuilder.FromConfig(Builder(f)),
		keel.OnError(keel.ErrorHandlerFunc(func(err error) {
			ro.logger.Error("unexpected error while running worker", slog.Any("error", err))
		})),
	)
	runner.Run(
		context.Background(),
		bedrockcfg.MultiSource(
			DefaultConfig(),
			keel.ConfigSource(r),
		),
	)
}
