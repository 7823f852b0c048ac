package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	output io.Writer = io.Discard
	format           = FORMAT_TEXT
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"

	FORMAT_TEXT = "text"
	FORMAT_JSON = "json"
)

func init() {
	// Default to silent mode (no output)
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(silent bool) {
	if silent {
		output = io.Discard
	} else {
		output = os.Stderr
	}
	rebuild()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetFormat switches between console ("text") and structured ("json") output.
func SetFormat(f string) {
	if f != FORMAT_JSON {
		f = FORMAT_TEXT
	}
	format = f
	rebuild()
}

func rebuild() {
	w := output
	if w != io.Discard && format == FORMAT_TEXT {
		w = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// New returns a new logger instance
func New() zerolog.Logger {
	return logger
}

// Component returns a logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
