package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the JSON file logger used when telemetry export is off.
// An empty logPath yields a no-op logger; an unknown level falls back to info.
func NewLogger(logPath, logLevel string) (*zap.SugaredLogger, error) {
	if logPath == "" {
		return zap.NewNop().Sugar(), nil
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(EncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    100, // MB
			MaxBackups: 5,
		}),
		ParseLevel(logLevel),
	)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

func EncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func ParseLevel(logLevel string) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if logLevel == "" {
		return level
	}
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return level
}
