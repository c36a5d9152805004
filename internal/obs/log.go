package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// InitLogger configures the process-wide logger. level is a zerolog level
// name ("debug", "info", ...); console enables human-readable output for
// development. Safe to call once from main; tests use Logger() directly.
func InitLogger(level string, console bool) zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}
		out := zerolog.New(os.Stdout)
		if console {
			out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		logger = out.With().Timestamp().Logger().Level(lvl)
	})
	return logger
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	return logger
}
