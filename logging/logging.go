// Package logging contains the loggers used by servosweep. Loggers are zap
// sugared loggers so they can be handed to go.viam.com/utils helpers as-is.
package logging

import (
	"testing"

	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logger type passed throughout the module.
type Logger = golog.Logger

// NewLoggerConfig returns the console logger config at the given level.
func NewLoggerConfig(level zapcore.Level) zap.Config {
	// stacktraces off, prod keys, colored levels.
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewLogger returns a logger that writes Info+ to stdout.
func NewLogger(name string) Logger {
	return zap.Must(NewLoggerConfig(zapcore.InfoLevel).Build()).Sugar().Named(name)
}

// NewDebugLogger returns a logger that writes Debug+ to stdout.
func NewDebugLogger(name string) Logger {
	return golog.NewDebugLogger(name)
}

// NewTestLogger returns a logger that writes Debug+ through the test's log.
func NewTestLogger(tb testing.TB) Logger {
	return golog.NewTestLogger(tb)
}

// NewObservedTestLogger is like NewTestLogger but also records entries in memory.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	return golog.NewObservedTestLogger(tb)
}

// FileConfig describes where and how a log file is rotated.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// NewFileLogger returns a logger that writes to stdout and additionally appends
// JSON lines to a rotated file. The returned function closes the file.
func NewFileLogger(name string, level zapcore.Level, fileCfg FileConfig) (Logger, func() error) {
	if fileCfg.MaxSizeMB == 0 {
		fileCfg.MaxSizeMB = 16
	}
	rotator := &lumberjack.Logger{
		Filename:   fileCfg.Path,
		MaxSize:    fileCfg.MaxSizeMB,
		MaxBackups: fileCfg.MaxBackups,
		Compress:   fileCfg.Compress,
	}

	cfg := NewLoggerConfig(level)
	fileEncoderCfg := cfg.EncoderConfig
	fileEncoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderCfg), zapcore.AddSync(rotator), cfg.Level)

	logger := zap.Must(cfg.Build()).WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return logger.Sugar().Named(name), rotator.Close
}
