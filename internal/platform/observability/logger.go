package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/markdown-authz/internal/platform/requestctx"
)

// LoggerConfig controls NewLoggerWithConfig. Empty fields take production defaults.
type LoggerConfig struct {
	// Level is a zap level name. Unknown values fall back to info.
	Level string
	// Console switches to human readable output for local runs.
	Console bool
	Outputs []string
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT ("json" or "console").
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithConfig(LoggerConfig{
		Level:   os.Getenv("LOG_LEVEL"),
		Console: strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "console"),
	})
}

// NewLoggerWithConfig builds a logger whose JSON output uses Cloud Logging's field names and
// severity values.
func NewLoggerWithConfig(cfg LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if text := strings.ToLower(strings.TrimSpace(cfg.Level)); text != "" {
		if parsed, err := zapcore.ParseLevel(text); err == nil {
			level.SetLevel(parsed)
		}
	}
	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	encoding := "json"
	encoderCfg := zapcore.EncoderConfig{
		MessageKey:     "message",
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		NameKey:        "logger",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    encodeCloudSeverity,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Console {
		encoding = "console"
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderCfg.EncodeDuration = zapcore.StringDurationEncoder
	}

	return zap.Config{
		Level:             level,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}.Build()
}

// encodeCloudSeverity writes the LogSeverity names Cloud Logging recognises.
func encodeCloudSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(cloudSeverity(level))
}

func cloudSeverity(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return "DEBUG"
	case zapcore.InfoLevel:
		return "INFO"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return "CRITICAL"
	case zapcore.FatalLevel:
		return "ALERT"
	default:
		return "DEFAULT"
	}
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}
