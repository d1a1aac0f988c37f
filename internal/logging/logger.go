// Package logging provides the leveled logger shared by every orchestra
// component. Components take a Logger and fall back to Nop when none is given.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the printf-style interface used across the codebase.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ZapLogger implements Logger on top of a zap SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// New creates a logger writing to output at the given minimum level.
// format is "console" or "json".
func New(level string, format string, output io.Writer) *ZapLogger {
	if output == nil {
		output = os.Stderr
	}
	atom := zap.NewAtomicLevelAt(LevelFromString(level))
	core := zapcore.NewCore(newEncoder(format), zapcore.AddSync(output), atom)
	return &ZapLogger{sugar: zap.New(core).Sugar(), level: atom}
}

// NewFromCore wraps an existing core; used by tests with zaptest/observer.
func NewFromCore(core zapcore.Core) *ZapLogger {
	return &ZapLogger{sugar: zap.New(core).Sugar(), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// SetLevel changes the minimum log level.
func (l *ZapLogger) SetLevel(level string) {
	l.level.SetLevel(LevelFromString(level))
}

// With returns a child logger carrying the given key/value pairs.
func (l *ZapLogger) With(keysAndValues ...interface{}) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(keysAndValues...), level: l.level}
}

func (l *ZapLogger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// LevelFromString converts a string to a zap level. Unknown or empty values
// map to warn.
func LevelFromString(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error", "fatal":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
