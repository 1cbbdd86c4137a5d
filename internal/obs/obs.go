// Package obs bootstraps the process-wide structured logger and the
// small set of conventions every component follows when deriving its own
// child logger and metrics.
package obs

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// InitLogger builds the base logger: pretty console output when stdout
// is a terminal (local development), structured JSON otherwise
// (production/container logs picked up by a log shipper).
func InitLogger(serviceName string) *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}

	return &logger
}

// SetLevel parses one of the spec's five log levels and applies it
// globally; unknown values fall back to info and log a warning.
func SetLevel(logger *zerolog.Logger, levelStr string) {
	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "info", "":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().
			Str("configured_level", levelStr).
			Str("using_level", "info").
			Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
