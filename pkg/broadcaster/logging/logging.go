// Package logging builds the zap logger used by the command line tools.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level, encoding and destination of log output.
type Options struct {
	// Level is one of debug, info, warn or error. Unknown levels mean info.
	Level string
	// Verbose lowers an info level to debug.
	Verbose bool
	// Debug forces the debug level and enables development mode.
	Debug bool
	// Format is json (the default) or console.
	Format string

	// File, when set, sends output to a rotating log file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ResolveLevel applies the verbose and debug overrides to a level name.
func ResolveLevel(level string, verbose, debug bool) zapcore.Level {
	if debug {
		return zap.DebugLevel
	}

	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		if verbose {
			return zap.DebugLevel
		}
		return zap.InfoLevel
	}
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	encoder, err := encoder(opts)
	if err != nil {
		return nil, err
	}

	sink, err := writer(opts)
	if err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevelAt(ResolveLevel(opts.Level, opts.Verbose, opts.Debug))
	core := zapcore.NewCore(encoder, sink, level)

	zapOpts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	}
	if opts.Debug {
		zapOpts = append(zapOpts, zap.Development())
	}

	return zap.New(core, zapOpts...), nil
}

func encoder(opts Options) (zapcore.Encoder, error) {
	switch opts.Format {
	case "", "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
}

func writer(opts Options) (zapcore.WriteSyncer, error) {
	if opts.File == "" {
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}), nil
}
