package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Init.
const (
	EnvLevel  = "BATCH_LOG_LEVEL"
	EnvFormat = "BATCH_LOG_FORMAT"
)

// Init initializes the global logger with configuration from environment variables.
// BATCH_LOG_LEVEL controls the log level: debug, info, warn, error (default: info).
// BATCH_LOG_FORMAT=json writes raw JSON lines (Lambda); anything else uses the
// console writer on stderr.
func Init() {
	Configure(os.Getenv(EnvLevel), os.Getenv(EnvFormat), os.Stderr)
}

// Configure sets the global level and output. It returns the level applied.
func Configure(level, format string, w io.Writer) zerolog.Level {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	}
	return lvl
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
