package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	outputs []string
	fields  []zap.Field
}

type Option func(*options)

// WithOutput replaces the default stdout sink, e.g. with "stderr" for tools
// whose stdout belongs to the user.
func WithOutput(paths ...string) Option {
	return func(o *options) { o.outputs = paths }
}

// WithService stamps every entry with the service name and version.
func WithService(name, version string) Option {
	return func(o *options) {
		o.fields = append(o.fields, zap.String("service", name), zap.String("version", version))
	}
}

// NewLogger builds the process logger. Production writes JSON, everything
// else gets the colored console encoder.
func NewLogger(environment, level string, opts ...Option) (*zap.Logger, error) {
	o := options{outputs: []string{"stdout"}}
	for _, opt := range opts {
		opt(&o)
	}

	encoder := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(level)),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      o.outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if environment != "production" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = true
	}

	log, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	if len(o.fields) > 0 {
		log = log.With(o.fields...)
	}
	return log, nil
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
