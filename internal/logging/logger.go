// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// schedulerLogger routes gocron's key/value logging into zap.
type schedulerLogger struct {
	sugar *zap.SugaredLogger
}

// Scheduler adapts logger to the gocron.Logger interface.
func Scheduler(logger *zap.Logger) gocron.Logger {
	return schedulerLogger{sugar: OrNop(logger).Sugar()}
}

func (l schedulerLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l schedulerLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l schedulerLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l schedulerLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
