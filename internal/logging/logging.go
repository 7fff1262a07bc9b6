// Package logging provides a small leveled wrapper over the standard
// library's log.Logger, matching the minimal, dependency-free logging
// style used elsewhere in this codebase.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Logger struct {
	base   *log.Logger
	prefix string
}

// New builds a Logger writing to w (os.Stderr if w is nil) with the given
// component prefix, e.g. "master" or "worker".
func New(w io.Writer, component string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		base:   log.New(w, "", log.LstdFlags),
		prefix: component,
	}
}

// With returns a child logger scoped to an additional key=value pair,
// e.g. l.With("worker_id", id) for per-worker log lines.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{
		base:   l.base,
		prefix: fmt.Sprintf("%s %s=%v", l.prefix, key, value),
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.base.Printf("[ %s ] INFO %s", l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.base.Printf("[ %s ] ERROR %s", l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.base.Printf("[ %s ] WARN %s", l.prefix, fmt.Sprintf(format, args...))
}
