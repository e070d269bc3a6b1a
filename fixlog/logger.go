// Package fixlog wraps github.com/go-logr/logr, a logging facade that
// lets this engine log without hard-wiring a concrete backend; callers
// supply whatever logr.LogSink fits their deployment.
package fixlog

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Level orders severities ERROR=0, WARN=1, INFO=2, DEBUG=3.
type Level int

const (
	Error Level = iota
	Warn
	Info
	Debug
)

func (l Level) String() string {
	switch l {
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger wraps a logr.Logger with the formatted, leveled calls the
// session layer makes throughout the read loop and admin handlers.
type Logger struct {
	l logr.Logger
}

// New wraps an existing logr.Logger.
func New(l logr.Logger) Logger { return Logger{l: l} }

// Enabled reports whether a message at level would actually be
// recorded, letting callers skip building an expensive log line.
func (lg Logger) Enabled(level Level) bool {
	if level == Error {
		return true
	}
	return lg.l.V(int(level)).Enabled()
}

// Logf formats and emits a message at level.
func (lg Logger) Logf(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if level == Error {
		lg.l.Error(nil, msg)
		return
	}
	lg.l.V(int(level)).Info(msg)
}

// Errorf logs err with a formatted message at ERROR level.
func (lg Logger) Errorf(err error, format string, args ...interface{}) {
	lg.l.Error(err, fmt.Sprintf(format, args...))
}

func (lg Logger) Warnf(format string, args ...interface{})  { lg.Logf(Warn, format, args...) }
func (lg Logger) Infof(format string, args ...interface{})  { lg.Logf(Info, format, args...) }
func (lg Logger) Debugf(format string, args ...interface{}) { lg.Logf(Debug, format, args...) }

// WithName returns a Logger with name appended to the logr name chain
// (e.g. per-session loggers named after the session's target id).
func (lg Logger) WithName(name string) Logger {
	return Logger{l: lg.l.WithName(name)}
}

// WithValues returns a Logger with structured key/value pairs attached
// to every subsequent call.
func (lg Logger) WithValues(kv ...interface{}) Logger {
	return Logger{l: lg.l.WithValues(kv...)}
}
