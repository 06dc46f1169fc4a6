// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package faults classifies errors into transient, permanent and fatal.
// Transient failures (network, timeout) are retried with backoff, permanent
// failures (bad data, bad config) are logged and skipped, and fatal failures
// terminate the process. Only startup configuration errors may be fatal.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the retry classification of an error.
type Class int

const (
	// Transient errors are retryable: network failures, timeouts, busy backends.
	Transient Class = iota

	// Permanent errors will not succeed on retry: malformed data, bad requests.
	Permanent

	// Fatal errors terminate the process: unrecoverable startup configuration.
	Fatal
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Error wraps an underlying error with a classification.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transientf creates a transient classified error.
func Transientf(format string, args ...any) error {
	return &Error{Class: Transient, Err: fmt.Errorf(format, args...)}
}

// Permanentf creates a permanent classified error.
func Permanentf(format string, args ...any) error {
	return &Error{Class: Permanent, Err: fmt.Errorf(format, args...)}
}

// Fatalf creates a fatal classified error.
func Fatalf(format string, args ...any) error {
	return &Error{Class: Fatal, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a class to an existing error. Returns nil for a nil error.
func Wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// ClassOf returns the classification of err. Unclassified network and
// deadline errors are treated as transient; everything else unclassified is
// permanent so that bad data is never retried blindly.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	return Permanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == Transient
}

// IsRetryable reports whether err may succeed on retry. Unlike IsTransient it
// gives unclassified errors the benefit of the doubt: only an explicit
// Permanent or Fatal classification, or a canceled context, rules a retry
// out. Storage drivers return plain errors, and a bounded retry on those is
// cheaper than losing a write.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class == Transient
	}
	return true
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == Fatal
}
