// SPDX-License-Identifier: Apache-2.0

// Package errp wraps github.com/pkg/errors so that every error created in this module carries a
// stack trace, printable with "%+v".
package errp

import (
	"github.com/pkg/errors"
)

// New returns an error with the supplied message and the current stack.
func New(message string) error {
	return errors.New(message)
}

// Newf formats according to a format specifier and returns the string as an error with the
// current stack.
func Newf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// WithStack annotates err with the current stack. Returns nil if err is nil.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// WithMessage annotates err with a message. Returns nil if err is nil.
func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

// WithMessagef annotates err with a formatted message. Returns nil if err is nil.
func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

// Wrap annotates err with a message and the current stack. Returns nil if err is nil.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Cause returns the innermost error not created by this package.
func Cause(err error) error {
	return errors.Cause(err)
}
