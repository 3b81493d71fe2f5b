// Package observ holds the logging, metrics, and health surfaces shared by
// every service binary.
package observ

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Unknown level strings fall back to
// info rather than failing startup.
func NewLogger(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Logger().Level(lvl)
}
