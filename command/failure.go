// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package command

import (
	"errors"
	"fmt"
)

// Class partitions handler failures by how the executor must react.
type Class string

const (
	// ClassPermanent is a non-retryable business error. The command
	// fails, a dead letter entry is written and the failure reply is
	// emitted, all in the committing transaction.
	ClassPermanent Class = "Permanent"

	// ClassRetryableBusiness is a domain error worth retrying, like
	// an optimistic lock conflict.
	ClassRetryableBusiness Class = "RetryableBusiness"

	// ClassTransient is an infrastructure error, like a connection
	// reset. It is the default class for unclassified errors.
	ClassTransient Class = "Transient"
)

// Failure attaches a [Class] to an underlying error.
type Failure struct {
	Class Class
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Permanent marks err as a non-retryable business failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: ClassPermanent, Err: err}
}

// RetryableBusiness marks err as a retryable domain failure.
func RetryableBusiness(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: ClassRetryableBusiness, Err: err}
}

// Transient marks err as a retryable infrastructure failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Class: ClassTransient, Err: err}
}

// Classify returns the failure class of err. Errors which carry no
// explicit class are treated as [ClassTransient] so that unknown
// failures are retried rather than dead lettered.
func Classify(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return ClassTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

// ErrorMessage returns the underlying error message of err, without
// the class prefix added by [Failure.Error].
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Err.Error()
	}
	return err.Error()
}
