// Package log holds the process-wide zap logger.
package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = defaultLogger()
	once   sync.Once
)

func defaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Options configures the logger built by Init.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // json or console
}

// Init builds the process logger. Only the first call has an effect.
func Init(opts Options) error {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = build(opts)
		if err != nil {
			return
		}
		SetLogger(l)
	})
	return err
}

func build(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(opts.Format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// SetLogger replaces the process logger. Tests use it to install zaptest loggers.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger returns the process logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger().Sync()
}
