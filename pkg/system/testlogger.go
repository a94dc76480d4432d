package system

import (
	"go.uber.org/zap"
)

// NewTestLogger returns a development sugared logger without stacktraces so
// expected warnings in tests stay readable.
func NewTestLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
