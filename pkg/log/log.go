// Copyright 2024 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides leveled, structured logging on top of zap. All log
// context is passed as alternating key/value pairs, with string keys.
package log

import (
	"flag"
	"os"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging priority. Higher levels are more important.
type Level int8

const (
	// DebugLevel logs are typically voluminous.
	DebugLevel = Level(zapcore.DebugLevel)
	// InfoLevel is the default logging priority.
	InfoLevel = Level(zapcore.InfoLevel)
	// ErrorLevel logs are high-priority.
	ErrorLevel = Level(zapcore.ErrorLevel)
)

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(zapcore.Level(lvl))
}

func (l *logger) WithOptions(opts ...zap.Option) Logger {
	return &logger{logger: l.logger.WithOptions(opts...)}
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(ctx[i].(string), ctx[i+1]))
	}
	return fields
}

var root = &logger{logger: zap.NewNop()}

// Setup configures the package-wide root logger. It must be called before
// the root logger is used, and must only be called once.
func Setup(cfg Config, opts ...Option) error {
	cfg.InitDefaults()
	zCfg, zOpts, err := cfg.Console.zapConfig()
	if err != nil {
		return err
	}
	o := applyOptions(opts)
	if o.entriesCounter != nil {
		zOpts = append(zOpts, zap.Hooks(o.entriesCounter.hook))
	}
	zLogger, err := zCfg.Build(append(zOpts, zap.AddCallerSkip(1))...)
	if err != nil {
		return err
	}
	root = &logger{logger: zLogger}
	return nil
}

// Option configures the logger during Setup.
type Option func(*options)

type options struct {
	entriesCounter *EntriesCounter
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EntriesCounter defines the metrics that are incremented when emitting a log
// entry.
type EntriesCounter struct {
	Debug prometheus.Counter
	Info  prometheus.Counter
	Error prometheus.Counter
}

// WithEntriesCounter configures counters that are incremented with every
// emitted log entry.
func WithEntriesCounter(m EntriesCounter) Option {
	return func(o *options) {
		o.entriesCounter = &m
	}
}

func (m *EntriesCounter) hook(e zapcore.Entry) error {
	switch e.Level {
	case zapcore.ErrorLevel:
		incCounter(m.Error)
	case zapcore.InfoLevel:
		incCounter(m.Info)
	case zapcore.DebugLevel:
		incCounter(m.Debug)
	}
	return nil
}

func incCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Root returns the root logger. It is never nil; before Setup it discards
// all messages.
func Root() Logger {
	return root
}

// Discard sets the root logger to discard all messages.
func Discard() {
	root = &logger{logger: zap.NewNop()}
}

// Flush writes the logs to the underlying buffer.
func Flush() error {
	return root.logger.Sync()
}

// New creates a logger with the given context, derived from the root logger.
func New(ctx ...any) Logger {
	return root.New(ctx...)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...any) {
	root.logger.Debug(msg, convertCtx(ctx)...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...any) {
	root.logger.Info(msg, convertCtx(ctx)...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...any) {
	root.logger.Error(msg, convertCtx(ctx)...)
}

// SafeDebug logs at debug level to the given logger, if it is non-nil.
func SafeDebug(l Logger, msg string, ctx ...any) {
	if l != nil {
		if inner, ok := l.(*logger); ok {
			inner.logger.Debug(msg, convertCtx(ctx)...)
			return
		}
		l.Debug(msg, ctx...)
	}
}

// SafeInfo logs at info level to the given logger, if it is non-nil.
func SafeInfo(l Logger, msg string, ctx ...any) {
	if l != nil {
		if inner, ok := l.(*logger); ok {
			inner.logger.Info(msg, convertCtx(ctx)...)
			return
		}
		l.Info(msg, ctx...)
	}
}

// SafeError logs at error level to the given logger, if it is non-nil.
func SafeError(l Logger, msg string, ctx ...any) {
	if l != nil {
		if inner, ok := l.(*logger); ok {
			inner.logger.Error(msg, convertCtx(ctx)...)
			return
		}
		l.Error(msg, ctx...)
	}
}

// HandlePanic catches panics and logs them. Every goroutine should defer
// this function as its first statement.
func HandlePanic() {
	if msg := recover(); msg != nil {
		// If the test flag is registered we are inside a test; rethrow so
		// the failure surfaces in the test output.
		if flag.Lookup("test.v") != nil {
			panic(msg)
		}
		Error("Panic", "msg", msg, "stack", string(debug.Stack()))
		_ = Flush()
		os.Exit(255)
	}
}
