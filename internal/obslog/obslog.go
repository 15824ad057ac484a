// Package obslog wraps zap for the structured, field-carrying logging
// used throughout the task runtime (submission, scaling decisions,
// session state transitions, forwarder routing).
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface passed into runtime
// components. Call sites attach fields (task_id, session_id, endpoint)
// rather than formatting them into the message string.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

type zapLogger struct {
	l *zap.Logger
}

// Config selects verbosity and encoding for New.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New builds a Logger from cfg. Falls back to zap's debug-level example
// JSON logger on any construction error so callers never have to nil-check.
func New(cfg Config) Logger {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zc.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zc.OutputPaths = []string{"stdout"}

	l, err := zc.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewExample()
	}
	return &zapLogger{l: l}
}

// Noop returns a Logger that discards everything, for tests.
func Noop() Logger { return &zapLogger{l: zap.NewNop()} }

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) Sync() error {
	err := z.l.Sync()
	// stdout sync on a plain terminal routinely returns ENOTTY; it isn't
	// a real failure and would otherwise spam shutdown logs.
	if err != nil && os.Getenv("OBSLOG_STRICT_SYNC") == "" {
		return nil
	}
	return err
}
