// Package mlog provides the process-wide zap logger.
package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, "debug" "info" "warn" "error". Default is "info".
	Level string `yaml:"level"`

	// File, if set, logs are appended to this file instead of stderr.
	File string `yaml:"file"`

	// Production switches to the JSON encoder.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	l = newDefaultLogger()
	s = l.Sugar()
)

func newDefaultLogger() *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(defaultEncoderConfig()),
		stderr,
		atomicLevel,
	))
}

func defaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// NewLogger builds a logger from lc. It also resets the level of the global
// logger L().
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if len(lc.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
	}
	atomicLevel.SetLevel(lvl)

	out := stderr
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(f)
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(defaultEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, out, atomicLevel)), nil
}

// L returns the global logger.
func L() *zap.Logger {
	return l
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return s
}
