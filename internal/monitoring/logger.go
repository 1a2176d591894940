// Package monitoring provides the process-wide diagnostic logger shared by
// the acquisition pipeline and its tools.
package monitoring

import "log"

// Logf is the diagnostic logger used throughout the pipeline. It defaults
// to log.Printf; binaries and tests can redirect or mute it via SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
