// Package zaplog adapts zap to the eventfeed.Logger interface.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/eventfeed"
)

// Logger forwards key/value records to a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ eventfeed.Logger = (*Logger)(nil)

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Logger{sugar: logger.Sugar()}
}

// Build creates a JSON production logger at level, or a console development logger.
func Build(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("zaplog: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Debug implements eventfeed.Logger.
func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// Info implements eventfeed.Logger.
func (l *Logger) Info(msg string, args ...any) { l.sugar.Infow(msg, args...) }

// Warn implements eventfeed.Logger.
func (l *Logger) Warn(msg string, args ...any) { l.sugar.Warnw(msg, args...) }

// Error implements eventfeed.Logger.
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
