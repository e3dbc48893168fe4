// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"os"

	"github.com/xtrntr/tokenex/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a logger from the log section. Output goes to stdout and, when a
// file is configured, to a rotated file as well.
func New(cfg config.Log) (*zap.Logger, error) {
	var level zapcore.Level
	name := cfg.Level
	if name == "" {
		name = "info"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if cfg.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller()), nil
}
