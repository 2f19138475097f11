// Package logging builds the simulator's zap logger: a console core on
// stderr and, when a file is configured, a rotated JSON core.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// File is an optional path for JSON logs. Empty disables file logging.
	File string

	MaxSizeMB  int // megabytes
	MaxBackups int // files
	MaxAgeDays int // days
	Compress   bool

	// Console receives human-readable logs; defaults to stderr.
	Console io.Writer
}

// DefaultConfig returns a console-only info logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// New builds a logger from config. The returned close function syncs the
// logger and closes the log file.
func New(config Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level %q: %w", config.Level, err)
	}

	console := config.Console
	if console == nil {
		console = os.Stderr
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.AddSync(console), level),
	}

	var rw *lumberjack.Logger
	if config.File != "" {
		rw = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rw), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		_ = logger.Sync()
		if rw != nil {
			return rw.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}
