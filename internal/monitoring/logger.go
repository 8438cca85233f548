// Package monitoring provides the redirectable diagnostic logger used
// on per-message paths. A busy controller link produces a line every
// few milliseconds; routing those diagnostics through Logf lets tests
// and embedders mute or capture the firehose without touching the
// standard logger that carries lifecycle and error output.
package monitoring

import "log"

// Logf is the diagnostic logger. It defaults to log.Printf and may be
// replaced with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the diagnostic logger. Passing nil installs a
// no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
