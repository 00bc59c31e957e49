package definition

import (
	"go.uber.org/zap"

	"github.com/badgesync/meshsync/pkg/mesh/types"
)

// DefaultLogger is the logger used when the host process does not
// supply its own implementation of types.Logger. It wraps a
// zap.SugaredLogger rather than the standard library's log package,
// matching the structured-logging idiom the rest of this corpus's
// service packages use.
type DefaultLogger struct {
	sugar *zap.SugaredLogger
	debug bool
}

// NewDefaultLogger builds a production zap logger at info level. The
// returned logger's Debug/Debugf calls are no-ops until ToggleDebug
// is called, so a device can be started quietly and switched to
// verbose logging without a restart.
func NewDefaultLogger() *DefaultLogger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &DefaultLogger{sugar: z.Sugar()}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.sugar.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.sugar.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.sugar.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.sugar.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.sugar.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.sugar.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.sugar.Debug(v...)
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.sugar.Debugf(format, v...)
	}
}

// ToggleDebug flips debug-level logging and returns the new state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}

// Sync flushes any buffered log entries; callers should defer this
// after NewDefaultLogger at process start.
func (l *DefaultLogger) Sync() error {
	return l.sugar.Sync()
}

var _ types.Logger = (*DefaultLogger)(nil)
