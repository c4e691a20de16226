// Package logging configures the global zerolog logger for the process.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger. Level comes from TUTORCHAT_LOG_LEVEL
// (debug, info, warn, error) and defaults to info. Pretty console output is
// used when stderr is a terminal-ish environment (TUTORCHAT_LOG_PRETTY=true).
func Setup() {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("TUTORCHAT_LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("TUTORCHAT_LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}
