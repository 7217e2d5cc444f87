// Package sklogimpl contains the plumbing for sklog: the Severity levels, the
// Logger interface, and the currently installed Logger. It is a separate
// package so that Logger implementations can be swapped without an import
// cycle through sklog.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the importance of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Logger writes a single log line. If format is the empty string the args are
// formatted as fmt.Sprint would, otherwise as fmt.Sprintf. depth is the
// number of stack frames to skip when reporting the call site, where 0 means
// the caller of Log.
type Logger interface {
	Log(depth int, severity Severity, format string, args ...interface{})
	Flush()
}

// logger holds the installed Logger. Never nil after an implementation's
// SetLogger call; sklog installs a default in an init function.
var logger atomic.Value

// SetLogger installs the Logger used by all sklog functions.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log dispatches to the installed Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	(*logger.Load().(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the installed Logger.
func Flush() {
	(*logger.Load().(*Logger)).Flush()
}
