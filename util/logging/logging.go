// SPDX-License-Identifier: Apache-2.0

// Package logging defines the logger the updater components report through.
package logging

import (
	"context"
	"log/slog"
)

// Logger receives log messages from the updater components. Implementations must be safe to call
// from the goroutine driving the device session.
type Logger interface {
	Error(msg string, err error)
	Info(msg string)
	Debug(msg string)
}

// Nop discards everything.
type Nop struct{}

// Error implements Logger.
func (Nop) Error(string, error) {}

// Info implements Logger.
func (Nop) Info(string) {}

// Debug implements Logger.
func (Nop) Debug(string) {}

var _ Logger = Nop{}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlog adapts a *slog.Logger. A nil logger uses slog.Default().
func NewSlog(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger}
}

// With returns a logger adding the given attributes to every record, if logger was created by
// NewSlog. Other loggers are returned unchanged.
func With(logger Logger, args ...any) Logger {
	if l, ok := logger.(*slogLogger); ok {
		return &slogLogger{logger: l.logger.With(args...)}
	}
	return logger
}

func (l *slogLogger) Error(msg string, err error) {
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, slog.Any("error", err))
}

func (l *slogLogger) Info(msg string) {
	l.logger.Info(msg)
}

func (l *slogLogger) Debug(msg string) {
	l.logger.Debug(msg)
}

// OrNop returns logger, or Nop if logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop{}
	}
	return logger
}
