package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	Logger zerolog.Logger
)

func ParseLogLevel(inlevel string) zerolog.Level {
	switch strings.ToLower(inlevel) {
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func LogInit(inlevel string) {
	LogInitTo(os.Stderr, inlevel)
}

// LogInitTo builds the console logger on out; tests point it at a buffer.
func LogInitTo(out io.Writer, inlevel string) {
	Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339},
	).With().Timestamp().Caller().Logger()

	level := SetLogLevel(inlevel)
	Logger.Info().Msgf("logging initialized at level %v", level)
}

// SetLogLevel applies to Logger and to every logger already derived from it.
func SetLogLevel(inlevel string) zerolog.Level {
	level := ParseLogLevel(inlevel)
	zerolog.SetGlobalLevel(level)
	return level
}
