// Package log provides the proxy's structured logging interface, backed by
// zap. The severity scale and the kernel/daemon/human output styles mirror
// the syslog-flavored loglevel/logformat configuration surface this proxy
// inherited from its C ancestor (dnsfwd.hpp's LOG(k) macro, which gates on
// a syslog priority and prefixes lines with "<N>").
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global Logger = newZapLogger(FormatHuman, zapcore.InfoLevel)

// Syslog-style severities, matching dnsfwd.hpp's LOG_* constants.
const (
	LevelEmerg = iota
	LevelAlert
	LevelCrit
	LevelErr
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

// Output styles accepted by the logformat configuration option.
const (
	FormatKernel = "kernel"
	FormatDaemon = "daemon"
	FormatHuman  = "human"
)

// SetLogger replaces the global logger instance.
// Useful for testing or overriding behavior.
func SetLogger(l Logger) {
	global = l
}

// GetLogger returns the current global logger instance.
// useful for testing or introspection.
func GetLogger() Logger {
	return global
}

// Logger defines the dnsfwd logging interface.
type Logger interface {
	Info(fields map[string]any, msg string)
	Error(fields map[string]any, msg string)
	Debug(fields map[string]any, msg string)
	Warn(fields map[string]any, msg string)
	Panic(fields map[string]any, msg string)
	Fatal(fields map[string]any, msg string)
}

// Configure sets up the global logger for the given logformat
// (kernel|daemon|human) and syslog loglevel (0..8, see the Level*
// constants).
func Configure(format string, level int) error {
	zapLevel, err := severityToZap(level)
	if err != nil {
		return err
	}
	global = newZapLogger(format, zapLevel)
	return nil
}

func severityToZap(level int) (zapcore.Level, error) {
	if level < LevelEmerg {
		return 0, fmt.Errorf("invalid log level: %d", level)
	}
	switch {
	case level <= LevelErr:
		return zapcore.ErrorLevel, nil
	case level <= LevelWarning:
		return zapcore.WarnLevel, nil
	case level <= LevelInfo:
		return zapcore.InfoLevel, nil
	default:
		return zapcore.DebugLevel, nil
	}
}

// Info logs at info level using the global logger.
func Info(fields map[string]any, msg string) {
	global.Info(fields, msg)
}

// Error logs at error level using the global logger.
func Error(fields map[string]any, msg string) {
	global.Error(fields, msg)
}

// Debug logs at debug level using the global logger.
func Debug(fields map[string]any, msg string) {
	global.Debug(fields, msg)
}

// Warn logs at warn level using the global logger.
func Warn(fields map[string]any, msg string) {
	global.Warn(fields, msg)
}

// Panic logs at panic level using the global logger.
func Panic(fields map[string]any, msg string) {
	global.Panic(fields, msg)
}

// Fatal logs at fatal level using the global logger.
func Fatal(fields map[string]any, msg string) {
	global.Fatal(fields, msg)
}

// zapLogger implements Logger using Uber's zap.
type zapLogger struct {
	base *zap.Logger
}

// newZapLogger returns a logger configured for the given output style and level.
func newZapLogger(format string, level zapcore.Level) Logger {
	var config zap.Config
	switch format {
	case FormatKernel, FormatDaemon:
		config = zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = kernelLevelEncoder
		config.EncoderConfig.TimeKey = ""
	default: // human, and anything unrecognized
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.MessageKey = "msg"
	config.EncoderConfig.LevelKey = "level"

	logger, _ := config.Build()
	return &zapLogger{base: logger}
}

// kernelLevelEncoder renders "<N>" the way dnsfwd.hpp's LOG(k) macro does.
func kernelLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var n int
	switch l {
	case zapcore.DebugLevel:
		n = LevelDebug
	case zapcore.InfoLevel:
		n = LevelInfo
	case zapcore.WarnLevel:
		n = LevelWarning
	case zapcore.ErrorLevel:
		n = LevelErr
	default:
		n = LevelCrit
	}
	enc.AppendString(fmt.Sprintf("<%d>", n))
}

func (l *zapLogger) Info(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Info(msg)
}

func (l *zapLogger) Error(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Error(msg)
}

func (l *zapLogger) Debug(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Debug(msg)
}

func (l *zapLogger) Warn(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Warn(msg)
}

func (l *zapLogger) Panic(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Panic(msg)
}

func (l *zapLogger) Fatal(fields map[string]any, msg string) {
	l.base.With(zapFields(fields)...).Fatal(msg)
}

// Helper to convert map[string]any to []zap.Field
func zapFields(m map[string]any) []zap.Field {
	fields := make([]zap.Field, 0, len(m))
	for k, v := range m {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// noopLogger is a Logger implementation that discards all log messages.
type noopLogger struct{}

func (n *noopLogger) Info(map[string]any, string)  {}
func (n *noopLogger) Error(map[string]any, string) {}
func (n *noopLogger) Debug(map[string]any, string) {}
func (n *noopLogger) Warn(map[string]any, string)  {}
func (n *noopLogger) Panic(map[string]any, string) {}
func (n *noopLogger) Fatal(map[string]any, string) {}

// NewNoopLogger returns a Logger that discards all log messages.
// Useful for testing or when you want to disable logging.
func NewNoopLogger() Logger {
	return &noopLogger{}
}
