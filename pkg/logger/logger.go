// Package logger is the component-scoped logger used across linkgate.
//
// Every call names the component that emits it ("session", "dispatch",
// "gateway", ...) and may carry a field map. Output goes through zerolog,
// either as human-readable console lines or as JSON.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a config string to a LogLevel. Unknown values yield INFO.
func ParseLevel(s string) LogLevel {
	for lvl, name := range levelNames {
		if name == s {
			return lvl
		}
	}
	if s == "warning" {
		return WARN
	}
	return INFO
}

var (
	mu      sync.RWMutex
	base    = newConsole(os.Stderr)
	current = INFO
)

func newConsole(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Configure replaces the output sink. JSON output is used when jsonFormat is set.
func Configure(w io.Writer, jsonFormat bool) {
	mu.Lock()
	defer mu.Unlock()
	if jsonFormat {
		base = zerolog.New(w).With().Timestamp().Logger()
	} else {
		base = newConsole(w)
	}
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Logger returns the underlying zerolog logger with the active level applied,
// for integrations (HTTP middleware) that want zerolog directly.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Level(toZerolog(current))
}

func toZerolog(l LogLevel) zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	if level < current {
		mu.RUnlock()
		return
	}
	l := base
	mu.RUnlock()

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	case FATAL:
		// WithLevel does not exit; callers decide that.
		ev = l.WithLevel(zerolog.FatalLevel)
	default:
		ev = l.Info()
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
