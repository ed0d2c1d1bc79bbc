// Structured logging for the bed distance sensor host.
//
// Provides leveled logging with per-component prefixes and structured
// key-value fields.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	// DEBUG level for detailed debugging information
	DEBUG Level = iota

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger writes leveled log messages to a single writer.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      Level
	timeFormat string
	fields     Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger = New(os.Stderr, INFO, "")
)

// New creates a logger writing to w at the given level with a component prefix.
func New(w io.Writer, level Level, prefix string) *Logger {
	return &Logger{
		writer:     w,
		level:      level,
		prefix:     prefix,
		timeFormat: "2006-01-02 15:04:05.000",
	}
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// SetLevel changes the minimum level the logger emits.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// WithPrefix returns a child logger with the given component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		writer:     l.writer,
		level:      l.level,
		prefix:     prefix,
		timeFormat: l.timeFormat,
	}
	if len(l.fields) > 0 {
		child.fields = make(Fields, len(l.fields))
		for k, v := range l.fields {
			child.fields[k] = v
		}
	}
	return child
}

// WithFields returns a child logger that attaches the given fields to
// every message.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := l.WithPrefix(l.prefix)
	if child.fields == nil {
		child.fields = make(Fields, len(fields))
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

func (l *Logger) output(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(l.timeFormat))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("]")
	if l.prefix != "" {
		b.WriteString(" ")
		b.WriteString(l.prefix)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(msg)

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	if len(merged) > 0 {
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, merged[k])
		}
	}
	b.WriteString("\n")
	io.WriteString(l.writer, b.String())
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.output(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.output(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.output(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(ERROR, fmt.Sprintf(format, args...), nil)
}

// DebugFields logs a message with structured fields at DEBUG level.
func (l *Logger) DebugFields(msg string, fields Fields) {
	l.output(DEBUG, msg, fields)
}

// InfoFields logs a message with structured fields at INFO level.
func (l *Logger) InfoFields(msg string, fields Fields) {
	l.output(INFO, msg, fields)
}

// WarnFields logs a message with structured fields at WARN level.
func (l *Logger) WarnFields(msg string, fields Fields) {
	l.output(WARN, msg, fields)
}

// ErrorFields logs a message with structured fields at ERROR level.
func (l *Logger) ErrorFields(msg string, fields Fields) {
	l.output(ERROR, msg, fields)
}
