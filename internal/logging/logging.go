// Package logging adapts go.uber.org/zap to the small key/value Logger
// interface the rest of the module depends on.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface used across the module. Args are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Noop returns a logger that discards everything.
func Noop() Logger { return noopLogger{} }

// OrNoop returns l, or the no-op logger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

// ZapLogger wraps a sugared zap logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// FromZap adapts an existing zap logger.
func FromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{s: l.Sugar()}
}

// New builds a production zap logger at the given level
// (debug, info, warn or error).
func New(level string) (*ZapLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return FromZap(l), nil
}

// NewDevelopment builds a console logger for local tools and tests.
func NewDevelopment() *ZapLogger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return FromZap(zap.NewNop())
	}
	return FromZap(l)
}

// ParseLevel maps a configuration string onto a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

// With returns a child logger carrying the given key/value pairs.
func (l *ZapLogger) With(args ...any) *ZapLogger { return &ZapLogger{s: l.s.With(args...)} }

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error { return l.s.Sync() }
