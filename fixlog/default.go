package fixlog

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// NewStdout returns the default Logger: writes ERROR/WARN/INFO (V
// levels 0-2) to standard output; DEBUG (V=3) surfaces only when
// maxVerbosity is 1 or more.
func NewStdout(maxVerbosity int) Logger {
	sink := funcr.New(func(prefix, args string) {
		if prefix != "" {
			os.Stdout.WriteString(prefix + ": " + args + "\n")
		} else {
			os.Stdout.WriteString(args + "\n")
		}
	}, funcr.Options{
		Verbosity: int(Info) + maxVerbosity,
	})
	return New(logr.New(sink))
}

// Discard returns a Logger that drops everything, for tests that don't
// want log noise.
func Discard() Logger {
	return New(logr.Discard())
}
