package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	baseLevel  = Warning
)

// ParseLogLevel converts a level name ("debug", "info", ...) to a LogLevel.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical", "fatal":
		return Critical, nil
	default:
		return NotSet, fmt.Errorf("unknown log level %q", name)
	}
}

// ConfigureLogging sets the process-wide writer and default level used by
// loggers created afterwards. format is "console" or "json".
func ConfigureLogging(level LogLevel, format string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = zerolog.New(out).With().Timestamp().Logger()
	baseLevel = level
	zerolog.SetGlobalLevel(toZerolog(level))
}

// Logger provides structured logging with context
type Logger struct {
	prefix        string
	logger        zerolog.Logger
	logLevel      LogLevel
	logLevelMutex sync.RWMutex
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	baseMu.RLock()
	base := baseLogger
	logLevelValue := baseLevel
	baseMu.RUnlock()

	if len(logLevel) > 0 {
		logLevelValue = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   base.With().Str("component", prefix).Logger(),
		logLevel: logLevelValue,
	}
}

// NewLoggerWithWriter creates a logger that writes JSON lines to w.
// Used by tests to capture output.
func NewLoggerWithWriter(prefix string, w io.Writer, logLevel LogLevel) *Logger {
	return &Logger{
		prefix:   prefix,
		logger:   zerolog.New(w).With().Str("component", prefix).Logger(),
		logLevel: logLevel,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

func (l *Logger) enabled(level LogLevel) bool {
	l.logLevelMutex.RLock()
	defer l.logLevelMutex.RUnlock()
	return l.logLevel <= level
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if !l.enabled(Info) {
		return
	}
	withFields(l.logger.Info(), keyvals).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if !l.enabled(Error) {
		return
	}
	withFields(l.logger.Error(), keyvals).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if !l.enabled(Warning) {
		return
	}
	withFields(l.logger.Warn(), keyvals).Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if !l.enabled(Debug) {
		return
	}
	withFields(l.logger.Debug(), keyvals).Msg(msg)
}

// withFields attaches key-value pairs to an event. Errors go through Err so
// they land in the conventional "error" field.
func withFields(e *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

func toZerolog(level LogLevel) zerolog.Level {
	switch {
	case level >= Critical:
		return zerolog.FatalLevel
	case level >= Error:
		return zerolog.ErrorLevel
	case level >= Warning:
		return zerolog.WarnLevel
	case level >= Info:
		return zerolog.InfoLevel
	case level >= Debug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}
