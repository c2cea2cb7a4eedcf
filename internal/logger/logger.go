package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger used by every pipeline stage.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = newLogger(os.Stderr, "console")
}

// Setup configures the global logger level and output format ("console" or "json").
func Setup(level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = newLogger(os.Stderr, format)
}

// SetOutput redirects the global logger, keeping the current level.
func SetOutput(w io.Writer, format string) {
	Log = newLogger(w, format)
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(w io.Writer, format string) *Logger {
	if strings.ToLower(format) == "json" {
		return &Logger{z: zerolog.New(w).With().Timestamp().Logger()}
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &Logger{z: zerolog.New(output).With().Timestamp().Logger()}
}

// With returns a child logger carrying the given key-value pairs on every event.
func (l *Logger) With(args ...interface{}) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		ctx = ctx.Interface(keyOf(args[i]), args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// Fatal logs the error at Error level and exits with status 1.
func (l *Logger) Fatal(msg string, err error, args ...interface{}) {
	e := l.z.Error().Err(err)
	addFields(e, args...)
	e.Msg(msg)
	os.Exit(1)
}

// addFields adds variadic key-value pairs to the event. Errors are
// rendered with their message so JSON output stays readable.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			key := keyOf(args[i])
			if err, ok := args[i+1].(error); ok {
				e.AnErr(key, err)
				continue
			}
			e.Interface(key, args[i+1])
		}
	}
}

func keyOf(k interface{}) string {
	key, ok := k.(string)
	if !ok {
		key = fmt.Sprintf("%v", k)
	}
	return key
}
