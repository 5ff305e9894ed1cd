package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	current.Store(&logger)
}

func setLogger(logger zerolog.Logger) {
	current.Store(&logger)
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

func Tracef(format string, args ...any) {
	l := current.Load()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := current.Load()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := current.Load()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := current.Load()
	l.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	l := current.Load()
	l.Error().Msgf(format, args...)
}

// Fatal logs err and exits with status 1. Used only for startup failures.
func Fatal(err error) {
	l := current.Load()
	l.Error().Err(err).Msg("fatal")
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
