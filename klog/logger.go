// Package klog provides structured, component-tagged logging for the
// kernel concurrency core. It never gates or delays the operation it
// describes -- callers log after a state transition has already
// happened.
package klog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log message.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
	Fatal: "FATAL",
}

var levelColors = map[Level]string{
	Debug: "\033[36m",
	Info:  "\033[32m",
	Warn:  "\033[33m",
	Error: "\033[31m",
	Fatal: "\033[35m",
}

const colorReset = "\033[0m"

// Logger is a leveled, component-tagged logger.
type Logger struct {
	mu        sync.Mutex
	level     Level
	component string
	output    io.Writer
	colorize  bool
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Component string
	Output    io.Writer
	Colorize  bool
}

// New creates a Logger from Config, filling in defaults for the zero values.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:     cfg.Level,
		component: cfg.Component,
		output:    cfg.Output,
		colorize:  cfg.Colorize,
	}
}

// DefaultLogger returns an Info-level logger tagged with component,
// writing to stdout.
func DefaultLogger(component string) *Logger {
	return New(Config{Level: Info, Component: component, Output: os.Stdout, Colorize: true})
}

// With returns a logger for a sub-component, inheriting level/output/colorize.
func (l *Logger) With(component string) *Logger {
	return &Logger{level: l.level, component: component, output: l.output, colorize: l.colorize}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(Error, msg, fields...) }

// Fatal logs at Fatal and panics. The kernel has no unwind path for an
// internal invariant violation; callers that want to assert on this in
// a test recover() the panic.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(Fatal, msg, fields...)
	panic(msg)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var b strings.Builder
	if l.colorize {
		b.WriteString(levelColors[level])
	}
	b.WriteString("[")
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString("] [")
	fmt.Fprintf(&b, "%-5s", levelNames[level])
	b.WriteString("]")
	if l.component != "" {
		b.WriteString(" [")
		b.WriteString(l.component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.format())
	}
	if l.colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")
	l.output.Write([]byte(b.String()))
}

// Field is a structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field     { return Field{key, value} }
func Int(key string, value int) Field    { return Field{key, value} }
func Uint32(key string, v uint32) Field  { return Field{key, v} }
func Uint64(key string, v uint64) Field  { return Field{key, v} }
func Float64(key string, v float64) Field { return Field{key, v} }
func Bool(key string, v bool) Field      { return Field{key, v} }
func Err(err error) Field                { return Field{"error", err} }
func Duration(key string, v time.Duration) Field { return Field{key, v} }
func Any(key string, v any) Field        { return Field{key, v} }
