// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package app

import (
	"context"
	"errors"
)

// HookFunc runs after the inner [Runtime] completes. Hooks are meant for
// releasing resources which must outlive the runtime, like database pools
// and broker clients.
type HookFunc func(context.Context) error

// HookRegistry collects post-run hooks during service initialization.
type HookRegistry struct {
	hooks []HookFunc
}

// OnPostRun registers a hook to run after the inner runtime completes.
// Hooks run in registration order and all of them run even if the
// runtime or an earlier hook failed.
func (r *HookRegistry) OnPostRun(hook HookFunc) {
	r.hooks = append(r.hooks, hook)
}

type hookedRuntime struct {
	inner Runtime
	hooks []HookFunc
}

// Run implements the [Runtime] interface.
//
// The runtime error and any hook errors are joined together.
func (rt hookedRuntime) Run(ctx context.Context) error {
	runErr := rt.inner.Run(ctx)

	var hookErrs error
	for _, hook := range rt.hooks {
		if err := hook(ctx); err != nil {
			hookErrs = errors.Join(hookErrs, err)
		}
	}

	return errors.Join(runErr, hookErrs)
}

// WithHooks wraps a builder function with post-run hook support.
//
// The function receives a [HookRegistry] so it can register cleanup
// hooks for any resources it opens while building the runtime.
func WithHooks[T Runtime](f func(context.Context, *HookRegistry) (T, error)) Builder[Runtime] {
	return BuilderFunc[Runtime](func(ctx context.Context) (Runtime, error) {
		registry := &HookRegistry{}

		inner, err := f(ctx, registry)
		if err != nil {
			return nil, err
		}

		return hookedRuntime{
			inner: inner,
			hooks: registry.hooks,
		}, nil
	})
}
