// Package logger provides the process wide structured logger
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	mu     sync.Mutex
)

type contextKey string

// RunIDKey is the context key for the identifier of an optimization run
const RunIDKey contextKey = "run_id"

// Config is the logger configuration
type Config struct {
	Level       string   `yaml:"level" koanf:"level"`
	Development bool     `yaml:"development" koanf:"development"`
	Encoding    string   `yaml:"encoding" koanf:"encoding"` // json or console
	OutputPaths []string `yaml:"outputPaths" koanf:"outputPaths"`
}

// DefaultConfig logs info and up to stdout as console text
func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "console"}
}

// Init builds and installs the global logger.  It may be called again to
// replace it, the prior logger is synced first.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		_ = global.Sync()
	}
	global = l
	return nil
}

// New builds a logger from cfg without installing it
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "console"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	out := cfg.OutputPaths
	if len(out) == 0 {
		out = []string{"stdout"}
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    enc,
		OutputPaths:      out,
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

// Get returns the global logger, installing a default one if needed
func Get() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = zap.NewNop()
		}
		global = l
	}
	return global
}

// Named is Get().Named(name)
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// WithContext returns the global logger annotated with the run ID in ctx, if any
func WithContext(ctx context.Context) *zap.Logger {
	l := Get()
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		l = l.With(zap.String("run_id", id))
	}
	return l
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return global.Sync()
	}
	return nil
}
