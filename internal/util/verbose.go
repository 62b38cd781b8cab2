package util

import (
	"os"
	"strings"
	"sync/atomic"
)

var verbose atomic.Bool

func init() {
	verbose.Store(parseBool(os.Getenv("SESSIONMUX_VERBOSE")))
}

// IsVerbose reports whether verbose logging is on.
// Set from SESSIONMUX_VERBOSE ("1", "true", "yes") or the --verbose flag.
func IsVerbose() bool {
	return verbose.Load()
}

// SetVerbose overrides the environment setting.
func SetVerbose(v bool) {
	verbose.Store(v)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
