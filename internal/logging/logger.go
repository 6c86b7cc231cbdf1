// Package logging provides the narrow Logger interface every
// component depends on, backed by zap.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the only logging surface visible to the rest of the
// module. Kept narrow on purpose so tests can substitute a no-op or
// capturing implementation without pulling in zap.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	With(fields map[string]any) Logger
}

type zapLogger struct {
	z *zap.Logger
}

// New builds a Logger. development=true uses a human-readable console
// encoder at debug level; otherwise it is a JSON encoder at info level,
// matching the two modes the teacher's cli_print.go distinguishes
// between local runs and deployed ones.
func New(development bool) Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func toFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *zapLogger) Debug(msg string, fields map[string]any) { l.z.Debug(msg, toFields(fields)...) }
func (l *zapLogger) Info(msg string, fields map[string]any)  { l.z.Info(msg, toFields(fields)...) }
func (l *zapLogger) Warn(msg string, fields map[string]any)  { l.z.Warn(msg, toFields(fields)...) }
func (l *zapLogger) Error(msg string, fields map[string]any) { l.z.Error(msg, toFields(fields)...) }

func (l *zapLogger) With(fields map[string]any) Logger {
	return &zapLogger{z: l.z.With(toFields(fields)...)}
}
