// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Message is the view of a command presented to handlers. It carries
// everything a handler may need but none of the transport identity.
type Message struct {
	ID            string
	Name          string
	CorrelationID string
	Key           string
	Headers       map[string]string
	Payload       json.RawMessage
}

// UnmarshalPayload deserializes the command payload into v.
// A decoding failure is permanent since redelivery cannot fix it.
func (m Message) UnmarshalPayload(v any) error {
	err := json.Unmarshal(m.Payload, v)
	if err != nil {
		return Permanent(fmt.Errorf("command: failed to unmarshal %s payload: %w", m.Name, err))
	}
	return nil
}

// Handler executes the domain behavior for one command name.
//
// The returned map becomes the reply data. A nil map is a valid
// return and produces an empty successful reply. Errors should be
// classified with [Permanent], [RetryableBusiness] or [Transient];
// unclassified errors are treated as transient.
type Handler interface {
	Handle(ctx context.Context, msg Message) (map[string]any, error)
}

// HandlerFunc is an adapter allowing ordinary functions to be used
// as [Handler]s.
type HandlerFunc func(ctx context.Context, msg Message) (map[string]any, error)

// Handle implements the [Handler] interface.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) (map[string]any, error) {
	return f(ctx, msg)
}

// AmbiguousHandlerError signals two distinct handler implementations
// registered for the same command name.
type AmbiguousHandlerError struct {
	Name string
}

func (e AmbiguousHandlerError) Error() string {
	return fmt.Sprintf("command: ambiguous handler registration for %s", e.Name)
}

// UnknownCommandError signals a command name with no registered
// handler and no process initiation mapping.
type UnknownCommandError struct {
	Name string
}

func (e UnknownCommandError) Error() string {
	return fmt.Sprintf("command: unknown command: %s", e.Name)
}

// Registry maps command names to their handlers and tracks which
// names initiate a process instead of running a handler.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	initiations map[string]struct{}
}

// NewRegistry initializes an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		initiations: make(map[string]struct{}),
	}
}

// Register binds h to the command name. Registering the same
// implementation twice is collapsed into one registration, while a
// second distinct implementation fails with [AmbiguousHandlerError].
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.handlers[name]
	if ok && !sameHandler(existing, h) {
		return AmbiguousHandlerError{Name: name}
	}

	r.handlers[name] = h
	return nil
}

// MarkInitiation records that the command name starts a process.
// Process definitions call this during registration so the executor
// can route the command to the process manager.
func (r *Registry) MarkInitiation(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.initiations[name] = struct{}{}
}

// IsInitiation reports whether the command name starts a process.
func (r *Registry) IsInitiation(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.initiations[name]
	return ok
}

// Lookup returns the handler registered for the command name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// Names returns every registered command name in sorted order. The
// worker assembly derives its consume queues from it.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	for name := range r.initiations {
		if _, ok := r.handlers[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Handle dispatches msg to its registered handler and wraps the
// outcome in a [Reply]. An unregistered name fails permanently with
// [UnknownCommandError].
func (r *Registry) Handle(ctx context.Context, msg Message) (Reply, error) {
	h, ok := r.Lookup(msg.Name)
	if !ok {
		return Reply{}, Permanent(UnknownCommandError{Name: msg.Name})
	}

	data, err := h.Handle(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	return NewReply(msg.ID, msg.CorrelationID, data), nil
}

// sameHandler reports whether a and b are the same underlying
// implementation. Function values compare by code pointer since
// func types are not otherwise comparable.
func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.Kind() == reflect.Func && bv.Kind() == reflect.Func {
		return av.Pointer() == bv.Pointer()
	}
	if av.Type() != bv.Type() || !av.Type().Comparable() {
		return false
	}
	return a == b
}
