// Package logging builds the zap loggers used across ezdevbox.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects where and how log lines are written.
type Options struct {
	// Path is an optional log file. Lines are appended to it in addition to
	// Console.
	Path   string
	Level  string // debug, info, warn, error
	Format string // text, json

	// Console receives log lines unless nil. The ws-proxy subcommand leaves
	// it nil because its stdio is owned by the ssh client.
	Console io.Writer
}

// New returns a logger writing to the configured sinks and a close func that
// flushes and releases the log file.
func New(opts Options) (*zap.Logger, func(), error) {
	var sinks []zapcore.WriteSyncer
	if opts.Console != nil {
		sinks = append(sinks, zapcore.AddSync(opts.Console))
	}

	var file *os.File
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.Path, err)
		}
		file = f
		sinks = append(sinks, zapcore.AddSync(f))
	}

	if len(sinks) == 0 {
		return zap.NewNop(), func() {}, nil
	}

	core := zapcore.NewCore(newEncoder(opts.Format), zapcore.NewMultiWriteSyncer(sinks...), parseLevel(opts.Level))
	logger := zap.New(core)

	closeFn := func() {
		_ = logger.Sync()
		if file != nil {
			file.Close()
		}
	}
	return logger, closeFn, nil
}

// RedirectStdLog routes the standard library logger into l at warn level so
// third-party packages that call log.Printf end up in the same sinks.
func RedirectStdLog(l *zap.Logger) func() {
	restore, err := zap.RedirectStdLogAt(l.Named("stdlib"), zapcore.WarnLevel)
	if err != nil {
		return func() {}
	}
	return restore
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newEncoder(format string) zapcore.Encoder {
	if strings.ToLower(format) == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	return zapcore.NewConsoleEncoder(cfg)
}
