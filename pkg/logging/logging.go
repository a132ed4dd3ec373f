package logging

import (
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/rs/zerolog"
)

// Logger is shared structured logger. JSON to stderr by default, Lambda's log
// collector parses it as it is.
var Logger = newLogger(os.Stderr)

func newLogger(w io.Writer) *zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	return &logger
}

// SetLevel changes global log level by name (trace, debug, info, warn, error)
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return errors.Wrap(err, "Invalid log level").With("level", name)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// SetConsole switches Logger to human readable console output on w
func SetConsole(w io.Writer) {
	*Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// SetOutput replaces output of Logger with JSON writer w
func SetOutput(w io.Writer) {
	*Logger = *newLogger(w)
}

// LogError outputs err with context values and stack trace of *errors.Error
func LogError(err error) {
	log := Logger.Error()
	var e *errors.Error
	if errors.As(err, &e) {
		for key, value := range e.Values {
			log = log.Interface(key, value)
		}
		log = log.Str("stacktrace", e.StackTrace())
	}
	log.Msg(err.Error())
}
