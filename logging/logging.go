// Package logging contains logger setup shared by the daemon and tests.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Setup builds a zap.Logger, sets it as the global logger, and redirects the
// stdlib log package. The caller should defer logger.Sync().
func Setup(level string, development bool) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	switch strings.ToLower(level) {
	case "debug":
		atomic.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		atomic.SetLevel(zap.WarnLevel)
	case "error":
		atomic.SetLevel(zap.ErrorLevel)
	default:
		atomic.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if development {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(devCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomic)
	logger := zap.New(core, zap.AddCaller())

	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)

	return logger, nil
}
