// Package logging provides the leveled logging facade used across the
// codebase. It wraps a zap SugaredLogger behind package-level Printf-style
// helpers so call sites stay terse.
package logging

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	l, _ := zap.NewProduction(zap.AddCallerSkip(1))
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l.Sugar())
}

// Init configures the global logger. level is one of debug, info, warn,
// error. When development is true, output is human-readable console encoding.
func Init(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	logger.Store(l.Sugar())
	return nil
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = logger.Load().Sync()
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	logger.Load().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...any) {
	logger.Load().Infof(format, args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...any) {
	logger.Load().Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...any) {
	logger.Load().Errorf(format, args...)
}
