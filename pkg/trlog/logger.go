package trlog

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

var defaultLogger atomic.Pointer[DefaultLogger]

func init() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zapLogger, _ := config.Build(zap.AddStacktrace(zap.FatalLevel))
	SetLogger(zapLogger)
}

// SetLogger replaces the package logger, e.g. with a production config built by the command.
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(&DefaultLogger{base: l.WithOptions(zap.AddCallerSkip(2)).Sugar()})
}

// Sync flushes buffered log entries.
func Sync() error {
	return defaultLogger.Load().base.Sync()
}

func Debugf(template string, args ...interface{}) {
	defaultLogger.Load().Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	defaultLogger.Load().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	defaultLogger.Load().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	defaultLogger.Load().Errorf(template, args...)
}

// With returns a logger that adds the given key-value pairs to every entry, e.g. the node owning a cleanup cycle.
// It is derived from the logger current at the time of the call.
func With(keysAndValues ...interface{}) *DefaultLogger {
	// called directly rather than through the package funcs, so one frame less to skip
	base := defaultLogger.Load().base.WithOptions(zap.AddCallerSkip(-1))
	return &DefaultLogger{base: base.With(keysAndValues...)}
}

type DefaultLogger struct {
	base *zap.SugaredLogger
}

func (l *DefaultLogger) With(keysAndValues ...interface{}) *DefaultLogger {
	return &DefaultLogger{base: l.base.With(keysAndValues...)}
}

func (l *DefaultLogger) Debugf(template string, args ...interface{}) {
	l.base.Debugf(template, args...)
}

func (l *DefaultLogger) Infof(template string, args ...interface{}) {
	l.base.Infof(template, args...)
}

func (l *DefaultLogger) Warnf(template string, args ...interface{}) {
	l.base.Warnf(template, args...)
}

func (l *DefaultLogger) Errorf(template string, args ...interface{}) {
	l.base.Errorf(template, args...)
}
