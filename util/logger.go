package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel reads LOG_LEVEL as a zap level number (-1 debug .. 5 fatal) or name ("debug", "warn").
func logLevel() zapcore.Level {
	raw := os.Getenv("LOG_LEVEL")
	if n, err := strconv.Atoi(raw); err == nil {
		return zapcore.Level(n)
	}
	if lvl, err := zapcore.ParseLevel(raw); err == nil && raw != "" {
		return lvl
	}
	return zapcore.InfoLevel
}

func initLogger() (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(logLevel())
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.InitialFields = map[string]any{"service": "coordd"}

	return zapCfg.Build()
}

// NewLogger builds the process logger and installs it as zap's global logger.
// The returned func restores the previous global and flushes buffered entries.
func NewLogger() (*zap.Logger, func()) {
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
