package infra

import (
	"wonder-craft/tickets/ticket-presence-server/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Allow changing log level at run time.
	LoggerLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

type LoggerFactory struct {
	baseLogger *zap.Logger
}

func (f *LoggerFactory) Create(name string) *zap.Logger {
	return f.baseLogger.Named(name)
}

func (f *LoggerFactory) Sync() error {
	return f.baseLogger.Sync()
}

// NewLoggerFactory wraps an already built logger, mostly for tests.
func NewLoggerFactory(baseLogger *zap.Logger) *LoggerFactory {
	return &LoggerFactory{
		baseLogger: baseLogger,
	}
}

func ProvideLoggerFactory(cfg *config.Config) (*LoggerFactory, error) {
	if err := LoggerLevel.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, err
	}

	// See the documentation for Config and zapcore.EncoderConfig for all the
	// available options.
	var zapCfg = zap.Config{
		Level:            LoggerLevel,
		Development:      false,
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			// Keys can be anything except the empty string.
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "name",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	logger.Info("logger created", zap.Stringer("level", LoggerLevel.Level()))

	return NewLoggerFactory(logger), nil
}
