// Package logger builds the zap logger shared by every GojoPage component.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
}

// New creates the process logger. Unknown levels fall back to info.
// Binaries call it once at startup and hand the result down.
func New(config Config) (*zap.Logger, error) {
	// Resolve the minimum level; an atomic level can be raised at runtime.
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	// Pick the destination before anything else can fail on it.
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	// The core ties together format, destination and level.
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)
	// Errors carry a stack trace; every entry is tagged with service and pid.
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		With(zap.String("service", "gojopage"), zap.Int("pid", os.Getpid()))
	return logger, nil
}

// getEncoder returns a JSON encoder unless "console" is asked for.
func getEncoder(format string) zapcore.Encoder {
	// Production keys, with readable timestamps, levels and durations.
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer maps OutputFile to a destination. Console streams are locked
// since they are shared with the rest of the process.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	default:
		// Appends across restarts.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
