// common
package common

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process wide logger, it discards everything until NewLogger
// or a test replaces it.
var Logger = zap.NewNop().Sugar()

// NewLogger builds a console logger at lvl.
func NewLogger(lvl zapcore.Level) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger, %w", err)
	}
	return l.Sugar(), nil
}

// MyLog writes a debug entry, caller info points at the code calling MyLog.
func MyLog(format string, a ...interface{}) {
	if Logger == nil {
		return
	}
	Logger.WithOptions(zap.AddCallerSkip(1)).Debugf(format, a...)
}
