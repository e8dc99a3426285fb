// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a structured logger writing to w (stderr when nil). In
// development the output is a human-readable console stream and the level
// defaults to debug; elsewhere it is JSON at info. An explicit level wins.
func New(appEnv, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if IsDevelopment(appEnv) {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && parsed != zerolog.NoLevel {
			lvl = parsed
		}
	}

	if IsDevelopment(appEnv) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func IsDevelopment(appEnv string) bool {
	return appEnv == "" || appEnv == "development" || appEnv == "dev"
}
