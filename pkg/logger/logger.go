package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Each role of a process (tracker, seeder, leecher, general) logs to its own
// file under logs/<ip>:<port>/<role>.txt so that several peers running on one
// machine stay separable.

// New builds a sugared logger for the given endpoint and role. The log
// directory is created on first use.
func New(endpoint, role string) (*zap.SugaredLogger, error) {
	dir := filepath.Join("logs", endpoint)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(dir, role+".txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	// Console encoder keeps the file human-readable; switch to JSON if the
	// logs ever need machine parsing.
	fileEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	core := zapcore.NewCore(
		fileEncoder,
		zapcore.AddSync(file),
		levelFromEnv(),
	)

	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

// Nop returns a logger that discards everything. Handy for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func levelFromEnv() zapcore.Level {
	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}
