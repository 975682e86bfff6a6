// Package logger provides zap-based logging for dataqueue.
//
// Components accept a *zap.SugaredLogger at construction time; this package
// supplies sensible defaults so callers that do not care about logging can
// pass Nop() and callers that do can build one with Initialize.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Nop returns a logger that discards everything.
// This is the default for every component when the caller passes nil.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Initialize builds a logger for interactive use.
// verbose lowers the level to Debug so per-operation backend traces show up.
func Initialize(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Or returns log if non-nil, otherwise a no-op logger.
// Components use this so a nil logger never panics mid-operation.
func Or(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log != nil {
		return log
	}
	return Nop()
}
