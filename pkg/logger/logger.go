package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string such as "debug" or "WARN" to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogEntry is what subscribers receive for every emitted line
type LogEntry struct {
	Time    time.Time
	Service string
	Level   string
	Message string
	Fields  map[string]string
}

// sink is the state shared by a logger and every child derived from it
type sink struct {
	service string
	version string

	mu          sync.RWMutex
	out         io.Writer
	color       bool
	console     bool
	minLevel    Level
	subscribers []chan LogEntry
}

// Logger writes leveled, printf-style messages to the console and to
// subscribers. A nil *Logger discards everything.
type Logger struct {
	sink   *sink
	fields map[string]string
}

// New creates a logger writing to stdout
func New(serviceName, version string) *Logger {
	return &Logger{sink: &sink{
		service:  serviceName,
		version:  version,
		out:      os.Stdout,
		color:    isTerminal(),
		console:  true,
		minLevel: LevelInfo,
	}}
}

// NewNop returns a logger without console output. Subscribers still receive entries.
func NewNop() *Logger {
	l := New("nop", "")
	l.sink.console = false
	l.sink.minLevel = LevelDebug
	return l
}

func isTerminal() bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// SetLevel sets the minimum level emitted by this logger and its children
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput redirects console output and turns colours off
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.color = false
	l.sink.console = true
	l.sink.mu.Unlock()
}

// Subscribe returns a channel receiving every emitted entry. Entries are
// dropped for subscribers that fall behind.
func (l *Logger) Subscribe() <-chan LogEntry {
	ch := make(chan LogEntry, 100)
	l.sink.mu.Lock()
	l.sink.subscribers = append(l.sink.subscribers, ch)
	l.sink.mu.Unlock()
	return ch
}

// With returns a child logger that appends key to every message
func (l *Logger) With(key, value string) *Logger {
	return l.WithFields(map[string]string{key: value})
}

// WithFields returns a child logger that appends fields to every message
func (l *Logger) WithFields(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	merged := make(map[string]string, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{sink: l.sink, fields: merged}
}

// Writer returns an io.Writer that logs every non-empty line written to it
// at level. It lets libraries that only take an io.Writer share the sink.
func (l *Logger) Writer(level Level) io.Writer {
	return &lineWriter{l: l, level: level}
}

type lineWriter struct {
	l     *Logger
	level Level
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			w.l.log(w.level, line, nil)
		}
	}
	return len(p), nil
}

func (l *Logger) Debug(message string, args ...interface{}) { l.log(LevelDebug, message, args) }
func (l *Logger) Info(message string, args ...interface{})  { l.log(LevelInfo, message, args) }
func (l *Logger) Warn(message string, args ...interface{})  { l.log(LevelWarn, message, args) }
func (l *Logger) Error(message string, args ...interface{}) { l.log(LevelError, message, args) }

func (l *Logger) log(level Level, message string, args []interface{}) {
	if l == nil {
		return
	}
	s := l.sink

	s.mu.RLock()
	defer s.mu.RUnlock()
	if level < s.minLevel {
		return
	}
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}

	entry := LogEntry{
		Time:    time.Now(),
		Service: s.service,
		Level:   level.String(),
		Message: message,
		Fields:  l.fields,
	}
	if s.console {
		fmt.Fprintln(s.out, s.format(level, entry))
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}
