// Package logging builds the zap logger shared by every package in this
// module: a JSON encoder, a lumberjack-backed rotating file sink, and an
// optional stdout tee.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how verbosely logs are written.
type Config struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	MaxSize int    `json:"max_size_mb"`
	MaxAge  int    `json:"max_age_days"`
	Console bool   `json:"console"`
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// New builds a *zap.Logger from cfg. An empty Path disables the rotating
// file sink and logs to stdout only.
func New(cfg Config) *zap.Logger {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var cores []zapcore.Core
	if cfg.Path != "" {
		maxSize := cfg.MaxSize
		if maxSize == 0 {
			maxSize = 100
		}
		maxAge := cfg.MaxAge
		if maxAge == 0 {
			maxAge = 30
		}
		hook := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: 5,
			MaxAge:     maxAge,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(hook), enabler))
	}
	if cfg.Console || cfg.Path == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
