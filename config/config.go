// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config provides composable readers for sourcing runtime values.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrNotPresent is returned by [Read] when the underlying [Reader]
// completed without error but produced no value.
var ErrNotPresent = errors.New("config: value not present")

// Value represents an optional value produced by a [Reader].
//
// The zero value represents absence. Absence is distinct from a present
// zero value, which allows readers to differentiate "unset" from "set to
// the type's zero value".
type Value[T any] struct {
	value   T
	present bool
}

// ValueOf returns a present [Value] wrapping v.
func ValueOf[T any](v T) Value[T] {
	return Value[T]{
		value:   v,
		present: true,
	}
}

// Reader reads a single optional value.
//
// Implementations are expected to be cheap to call and safe to call
// multiple times. Expensive sources should memoize internally if needed.
type Reader[T any] interface {
	Read(context.Context) (Value[T], error)
}

// ReaderFunc is a func adapter for the [Reader] interface.
type ReaderFunc[T any] func(context.Context) (Value[T], error)

// Read implements the [Reader] interface.
func (f ReaderFunc[T]) Read(ctx context.Context) (Value[T], error) {
	return f(ctx)
}

// ReaderOf returns a [Reader] which always produces v.
func ReaderOf[T any](v T) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return ValueOf(v), nil
	})
}

// EmptyReader returns a [Reader] which always reports absence.
func EmptyReader[T any]() Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		return Value[T]{}, nil
	})
}

// Read resolves r to a concrete value. It returns [ErrNotPresent] if r
// succeeded but produced no value.
func Read[T any](ctx context.Context, r Reader[T]) (T, error) {
	var zero T

	v, err := r.Read(ctx)
	if err != nil {
		return zero, err
	}
	if !v.present {
		return zero, ErrNotPresent
	}
	return v.value, nil
}

// Env returns a [Reader] backed by the environment variable key.
//
// The value is absent if the variable is unset. An empty but set
// variable produces a present empty string.
func Env(key string) Reader[string] {
	return ReaderFunc[string](func(ctx context.Context) (Value[string], error) {
		s, ok := os.LookupEnv(key)
		if !ok {
			return Value[string]{}, nil
		}
		return ValueOf(s), nil
	})
}

// Map transforms the value produced by r with f. Absence propagates
// without invoking f.
func Map[T, U any](r Reader[T], f func(context.Context, T) (U, error)) Reader[U] {
	return ReaderFunc[U](func(ctx context.Context) (Value[U], error) {
		v, err := r.Read(ctx)
		if err != nil {
			return Value[U]{}, err
		}
		if !v.present {
			return Value[U]{}, nil
		}

		u, err := f(ctx, v.value)
		if err != nil {
			return Value[U]{}, fmt.Errorf("config: failed to map value: %w", err)
		}
		return ValueOf(u), nil
	})
}

// Default wraps r so absence resolves to def instead.
func Default[T any](def T, r Reader[T]) Reader[T] {
	return ReaderFunc[T](func(ctx context.Context) (Value[T], error) {
		v, err := r.Read(ctx)
		if err != nil {
			return Value[T]{}, err
		}
		if !v.present {
			return ValueOf(def), nil
		}
		return v, nil
	})
}

// Must resolves r and panics if it fails or produced no value.
//
// It is meant for use inside builder funcs which run under a recoverer
// that converts panics into returned errors.
func Must[T any](ctx context.Context, r Reader[T]) T {
	v, err := Read(ctx, r)
	if err != nil {
		panic(err)
	}
	return v
}

// MustOr resolves r, returning def if r is nil or produced no value.
// It panics if reading fails.
func MustOr[T any](ctx context.Context, def T, r Reader[T]) T {
	if r == nil {
		return def
	}

	v, err := r.Read(ctx)
	if err != nil {
		panic(err)
	}
	if !v.present {
		return def
	}
	return v.value
}
