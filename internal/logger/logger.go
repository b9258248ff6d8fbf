// Package logger is the harness-wide structured log surface: a thin zerolog
// wrapper with variadic key/value fields, shared by the check runner and the
// CLI so every line carries the same shape.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. The zero configuration writes console
// lines at info level; Setup replaces it from config.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	Log = &Logger{z: newZerolog("console")}
}

func newZerolog(format string) zerolog.Logger {
	if strings.ToLower(format) == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Setup reconfigures the global logger. Unrecognized levels fall back to
// info, matching the config default.
func Setup(level, format string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	Log = &Logger{z: newZerolog(format)}
}

// With returns a child logger tagged with a check or component name, so every
// line a runner emits carries where it came from.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	fields(l.z.Info(), kv).Msg(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	fields(l.z.Debug(), kv).Msg(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	fields(l.z.Warn(), kv).Msg(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	fields(l.z.Error(), kv).Msg(msg)
}

// fields pairs up variadic key/value args; a trailing key without a value is
// dropped, and non-string keys are stringified rather than panicking.
func fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
