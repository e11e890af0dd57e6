// Package observability provides logging, metrics, and tracing functionality.
package observability

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logger handed to every gateway component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	// WithContext adds the request, tenant and trace identifiers stored in ctx.
	WithContext(ctx context.Context) Logger
	Sync() error
}

type Field = zap.Field

var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)

// Outputs understood by LogConfig.Output besides a file path.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// LogConfig selects level, encoding and destination. An Output other than
// stdout or stderr is a file rotated by size.
type LogConfig struct {
	Level      string
	Format     string
	Output     string
	TimeFormat string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     OutputStdout,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 14,
	}
}

// NewLogger builds a zap-backed Logger whose level can later be changed
// with SetLevel.
func NewLogger(cfg LogConfig) (Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	atom := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(newEncoder(cfg), newSink(cfg), atom)
	return &zapLogger{
		z:     zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		level: atom,
	}, nil
}

func newEncoder(cfg LogConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.TimeFormat != "" {
		ec.EncodeTime = zapcore.TimeEncoderOfLayout(cfg.TimeFormat)
	}

	if cfg.Format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newSink(cfg LogConfig) zapcore.WriteSyncer {
	switch cfg.Output {
	case "", OutputStdout:
		return zapcore.Lock(os.Stdout)
	case OutputStderr:
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// zapLogger shares one AtomicLevel with every logger derived from it.
type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *zapLogger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.z.Sync() }

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{z: l.z.With(fields...), level: l.level}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	return l.With(contextFields(ctx)...)
}

// SetLevel changes the level of a logger built by this package and of
// everything derived from it. Other Logger implementations are ignored.
func SetLevel(logger Logger, level string) error {
	zl, ok := logger.(*zapLogger)
	if !ok {
		return nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zl.level.SetLevel(parsed)
	return nil
}

// NopLogger discards everything.
func NopLogger() Logger {
	return NewZapLogger(zap.NewNop())
}

// NewZapLogger adapts an existing zap logger, typically a zaptest observer.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{z: z, level: zap.NewAtomicLevel()}
}

var global atomic.Pointer[Logger]

// SetGlobalLogger installs the logger returned by L.
func SetGlobalLogger(logger Logger) {
	global.Store(&logger)
}

// L returns the global logger, or a no-op logger before SetGlobalLogger.
func L() Logger {
	if p := global.Load(); p != nil && *p != nil {
		return *p
	}
	return NopLogger()
}
