// Package logging builds the process-wide zap.Logger used by the
// gateway. Nothing else in the module reads the environment to decide
// how to log; the logger is built once at startup and threaded
// explicitly into every component that needs it.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. In verbose mode it uses the development
// encoder (human-readable, debug level); otherwise it uses the
// production JSON encoder at info level.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}
