package observability

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on top of a zap.Logger
type ZapLogger struct {
	prefix string
	base   *zap.Logger
}

// NewZapLogger builds a Logger for the given level ("debug", "info", ...) and
// format ("json" or "console").
func NewZapLogger(prefix string, level string, format string) (Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return newZapLogger(prefix, base), nil
}

// NewStandardLogger creates a console logger at INFO level with the given prefix
func NewStandardLogger(prefix string) Logger {
	l, err := NewZapLogger(prefix, "info", "console")
	if err != nil {
		return newZapLogger(prefix, zap.NewNop())
	}
	return l
}

// NewLoggerFromZap wraps an existing zap logger
func NewLoggerFromZap(prefix string, base *zap.Logger) Logger {
	return newZapLogger(prefix, base)
}

func newZapLogger(prefix string, base *zap.Logger) *ZapLogger {
	return &ZapLogger{
		prefix: prefix,
		base:   base.Named(prefix),
	}
}

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, toZapFields(fields)...)
}

// Info logs an info message
func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, toZapFields(fields)...)
}

// Warn logs a warning message
func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, toZapFields(fields)...)
}

// Error logs an error message
func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, toZapFields(fields)...)
}

// Fatal logs a fatal message and exits
func (l *ZapLogger) Fatal(msg string, fields map[string]interface{}) {
	l.base.Fatal(msg, toZapFields(fields)...)
}

// Debugf logs a formatted debug message
func (l *ZapLogger) Debugf(format string, args ...interface{}) {
	l.base.Sugar().Debugf(format, args...)
}

// Infof logs a formatted info message
func (l *ZapLogger) Infof(format string, args ...interface{}) {
	l.base.Sugar().Infof(format, args...)
}

// Warnf logs a formatted warning message
func (l *ZapLogger) Warnf(format string, args ...interface{}) {
	l.base.Sugar().Warnf(format, args...)
}

// Errorf logs a formatted error message
func (l *ZapLogger) Errorf(format string, args ...interface{}) {
	l.base.Sugar().Errorf(format, args...)
}

// Fatalf logs a formatted fatal message and exits
func (l *ZapLogger) Fatalf(format string, args ...interface{}) {
	l.base.Sugar().Fatalf(format, args...)
}

// WithPrefix returns a new logger with the given prefix
func (l *ZapLogger) WithPrefix(prefix string) Logger {
	return &ZapLogger{
		prefix: prefix,
		base:   l.base.Named(prefix),
	}
}

// With returns a logger that attaches fields to every entry
func (l *ZapLogger) With(fields map[string]interface{}) Logger {
	return &ZapLogger{
		prefix: l.prefix,
		base:   l.base.With(toZapFields(fields)...),
	}
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	// Stable output order
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

// Debug implements Logger.Debug
func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}

// Info implements Logger.Info
func (l *NoopLogger) Info(msg string, fields map[string]interface{}) {}

// Warn implements Logger.Warn
func (l *NoopLogger) Warn(msg string, fields map[string]interface{}) {}

// Error implements Logger.Error
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

// Fatal implements Logger.Fatal
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

// Debugf implements Logger.Debugf
func (l *NoopLogger) Debugf(format string, args ...interface{}) {}

// Infof implements Logger.Infof
func (l *NoopLogger) Infof(format string, args ...interface{}) {}

// Warnf implements Logger.Warnf
func (l *NoopLogger) Warnf(format string, args ...interface{}) {}

// Errorf implements Logger.Errorf
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}

// Fatalf implements Logger.Fatalf
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

// WithPrefix implements Logger.WithPrefix
func (l *NoopLogger) WithPrefix(prefix string) Logger {
	return l
}

// With implements Logger.With
func (l *NoopLogger) With(fields map[string]interface{}) Logger {
	return l
}
