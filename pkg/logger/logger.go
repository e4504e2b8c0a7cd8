package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	levelStr := strings.TrimSpace(os.Getenv("HUBNET_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if err := Setup(levelStr, ""); err != nil {
		// Bad env value; fall back to info on stderr.
		_ = Setup("info", "")
	}
}

// Setup rebuilds the global loggers. An empty file logs to stderr.
func Setup(level string, file string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return err
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sink = zapcore.AddSync(f)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		sink,
		lvl,
	)

	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}
