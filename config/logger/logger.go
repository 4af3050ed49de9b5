// Package logger builds the zap logger shared by every pilot component.
package logger

import (
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/halverson/pilot/config/utils"
)

// atomicLevel is shared so the level can be changed while a run is live.
var atomicLevel zap.AtomicLevel

// Build sets up the base logger: info and below to stdout, errors to
// stderr, with the level adjustable at runtime through config reloads.
func Build(cfg *config.Logger) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		log.Fatalf("couldn't parse log level %q: %v", cfg.Level, err)
	}
	atomicLevel = lvl

	encoder := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	}

	highPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return atomicLevel.Enabled(l) && l < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, os.Stdout, lowPriority)
	errorCore := zapcore.NewCore(encoder, os.Stderr, highPriority)

	logger := zap.New(zapcore.NewTee(infoCore, errorCore), zap.AddCaller())
	zap.ReplaceGlobals(logger)

	viper.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&fsnotify.Create == 0 {
			SetLevel(viper.GetString("logger.level"))
		}
	})
	viper.WatchConfig()
	return logger
}

// SetLevel changes the logger level dynamically.
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("couldn't parse level", zap.Error(err))
		return
	}
	zap.L().Info("log level updated", zap.String("value", level))
	atomicLevel.SetLevel(l)
}
