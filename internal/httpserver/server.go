// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpserver runs a http.Handler as an [app.Runtime].
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Option configures an [App].
type Option func(*App)

// ErrorLog sets the handler which the underlying http.Server logs errors to.
func ErrorLog(h slog.Handler) Option {
	return func(a *App) {
		a.server.ErrorLog = slog.NewLogLogger(h, slog.LevelError)
	}
}

// App serves HTTP traffic on a listener until its context is cancelled.
type App struct {
	ls     net.Listener
	server *http.Server
}

// NewApp initializes a [App].
func NewApp(ls net.Listener, h http.Handler, opts ...Option) *App {
	a := &App{
		ls: ls,
		server: &http.Server{
			Handler:  h,
			ErrorLog: slog.NewLogLogger(slog.DiscardHandler, slog.LevelError),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run implements the [app.Runtime] interface.
func (a *App) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.server.Serve(a.ls)
	})
	eg.Go(func() error {
		<-egCtx.Done()

		return a.server.Shutdown(context.Background())
	})

	err := eg.Wait()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
