// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package job provides the runtime for finite, run-to-completion programs.
package job

import (
	"context"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/z5labs/keel"

	"github.com/z5labs/bedrock"
	"github.com/z5labs/bedrock/app"
	"github.com/z5labs/bedrock/appbuilder"
	bedrockcfg "github.com/z5labs/bedrock/config"
	"github.com/z5labs/bedrock/lifecycle"
)

// DefaultConfig returns the default config source which corresponds to the [Config] type.
func DefaultConfig() bedrockcfg.Source {
	return keel.DefaultConfig()
}

// Config is the default config which can be easily embedded into a
// more custom app specific config.
type Config struct {
	keel.Config `config:",squash"`
}

// Handler represents the core logic of your job.
type Handler interface {
	Handle(context.Context) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as [Handler]s.
type HandlerFunc func(context.Context) error

// Handle implements the [Handler] interface.
func (f HandlerFunc) Handle(ctx context.Context) error {
	return f(ctx)
}

// App is a [bedrock.App] which handles running your [Handler].
type App struct {
	h Handler
}

// NewApp initializes a new [App].
func NewApp(h Handler) *App {
	return &App{
		h: h,
	}
}

// Run implements the [bedrock.App] interface.
func (a *App) Run(ctx context.Context) error {
	return a.h.Handle(ctx)
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

// Run begins by reading, parsing and unmarshaling your custom config into
// the type T. Then it calls the providing function to initialize your [App]
// implementation and runs it to completion. Various middlewares are applied
// for your convenience, including automatic panic recovery, OTel SDK
// initialization and shutdown, and OS signal based shutdown.
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
			ro.logger.Error("unexpected error while running job", slog.Any("error", err))
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
