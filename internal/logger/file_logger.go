package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger
type Options struct {
	Level   string `yaml:"level"`   // debug, info, warn, error
	Format  string `yaml:"format"`  // json or console
	Dir     string `yaml:"dir"`     // Session log directory, empty disables the file copy
	Session string `yaml:"session"` // Session name used in the log file name
}

// ParseLevel converts a level name to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New creates the process logger. When Dir is set every entry is also appended to
// <dir>/<session>_<date>.log; the returned close func flushes and closes that file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := ParseLevel(opts.Level)

	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level),
	}

	closeFn := func() error { return nil }
	if opts.Dir != "" {
		file, err := openSessionFile(opts.Dir, opts.Session)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(file), level))
		closeFn = file.Close
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if opts.Session != "" {
		log = log.With(zap.String("session", opts.Session))
	}

	return log, func() error {
		_ = log.Sync()
		return closeFn()
	}, nil
}

// SessionLogPath returns the log file path used for a session on the given day
func SessionLogPath(dir, session string, day time.Time) string {
	if session == "" {
		session = "session"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", session, day.Format("2006-01-02")))
}

func openSessionFile(dir, session string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := SessionLogPath(dir, session, time.Now())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// OrNop returns log, or a no-op logger when log is nil
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
