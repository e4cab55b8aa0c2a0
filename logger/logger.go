package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/sandboxd/config"
)

// Name is the root logger name of the service
const Name = "sandboxd"

// stderr only: with the stdio transport stdout carries MCP frames
var outputPaths = []string{"stderr"}

// NewFromConfig builds the root service logger from the logging section.
// Every entry carries the transport so stdio and http instances can be
// told apart in shared log sinks.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	log, err := New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return log.Named(Name).With(zap.String("transport", cfg.Server.Transport)), nil
}

// New creates a logger for mode ("production" or "development") at level
func New(mode, level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	switch mode {
	case "development":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	case "production":
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = outputPaths
	zcfg.ErrorOutputPaths = outputPaths

	return zcfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return lvl, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	return lvl, nil
}

// ForTier returns a child logger for one security tier of component,
// e.g. the scheduler or sandbox runner of the "high" tier.
func ForTier(log *zap.Logger, component, tier string) *zap.Logger {
	return log.Named(component).With(zap.String("tier", tier))
}
