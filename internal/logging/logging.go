// Package logging wires up the process-wide zap logger, following the
// same shape as the retrieved yanet2 common/go/logging package: a
// development encoder in a terminal, an atomic level that can be
// adjusted at runtime, and a single Config type plain enough to come
// straight out of YAML.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls the process logger. Level is re-parsed from its
// textual form so it round-trips cleanly through YAML/flags.
type Config struct {
	Level string `yaml:"level"`
}

// Init builds a *zap.SugaredLogger plus the zap.AtomicLevel backing
// it, so a caller can lower/raise verbosity without rebuilding the
// logger. Besides zap's own level names, "trace", "status" and
// "warning" are accepted as debug, info and warn.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	level := zapcore.InfoLevel
	if cfg != nil && cfg.Level != "" {
		text := cfg.Level
		switch text {
		case "trace":
			text = "debug"
		case "status":
			text = "info"
		case "warning":
			text = "warn"
		}
		if err := level.UnmarshalText([]byte(text)); err != nil {
			return nil, zap.AtomicLevel{}, err
		}
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewDevelopmentEncoderConfig()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            atom,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger.Sugar(), atom, nil
}
