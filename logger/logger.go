package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Tutortoise/cell-detection-service/config"
)

// NewZapLogger builds the service logger. Debug and info go to stdout, warn
// and above to stderr. When cfg.File is set every entry is also written, as
// JSON, to a size-rotated file.
func NewZapLogger(debug bool, cfg config.LogConfig) *zap.Logger {
	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if debug {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		return level == zapcore.InfoLevel
	})

	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), lowLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), highLevel),
	}

	if cfg.File != "" {
		fileLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if debug {
			fileLevel.SetLevel(zapcore.DebugLevel)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), fileLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
