package logger

import (
	"go.uber.org/zap"
)

// New builds a JSON logger at the given level.
func New(verbosity string) (*zap.Logger, error) {
	return build(zap.NewProductionConfig(), verbosity)
}

// NewConsole builds a human readable logger for interactive commands.
func NewConsole(verbosity string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.DisableStacktrace = true
	return build(config, verbosity)
}

func build(config zap.Config, verbosity string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
