package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

func init() {
	// Console output in text mode with colors
	Log = newLogger(os.Stderr)

	// Set default log level to Info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func newLogger(out io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    false,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// SetOutput redirects the global logger, e.g. to a log file when running detached
func SetOutput(out io.Writer) {
	Log = newLogger(out)
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel converts a configured level name to a zerolog level.
// Unknown names fall back to info.
func ParseLevel(name string) zerolog.Level {
	if strings.TrimSpace(name) == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		Log.Warn().Str("level", name).Msg("Unknown log level, using info")
		return zerolog.InfoLevel
	}
	return level
}

// WithComponent returns a child logger tagged with the component name
func WithComponent(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
