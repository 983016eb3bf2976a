// Package logx gates the [DEBUG] log lines emitted across reo.
package logx

import (
	"log"
	"strings"
	"sync/atomic"
)

var debug atomic.Bool

// SetLevel enables debug output for "debug" and disables it for anything else.
func SetLevel(level string) {
	debug.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
}

// Enabled reports whether debug output is on.
func Enabled() bool { return debug.Load() }

// Debugf logs with the [DEBUG] prefix when debug output is on.
func Debugf(format string, args ...interface{}) {
	if !debug.Load() {
		return
	}
	log.Printf("[DEBUG] "+format, args...)
}
