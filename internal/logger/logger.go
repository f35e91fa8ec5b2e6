package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. InitLogger must run before any call site
// uses it; the zero value still writes to stderr at the default level.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// InitLogger configures the global logger. Verbose enables debug level.
func InitLogger(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}
