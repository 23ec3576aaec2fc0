// Package logger provides the leveled logger shared by cluster components.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the logging surface components depend on.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// WithPrefix returns a Logger that prepends prefix to every line.
	WithPrefix(prefix string) Logger
}

const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelPrefix = [...]string{"ERROR: ", "WARN:  ", "INFO:  ", "DEBUG: "}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (n nopLogger) WithPrefix(string) Logger    { return n }

// StderrLogger logs at info level to stderr.
var StderrLogger = NewStandardLogger(os.Stderr)

type standardLogger struct {
	logger    *log.Logger
	verbosity int
	prefix    string
}

// NewStandardLogger returns an info-level Logger writing to w.
func NewStandardLogger(w io.Writer) Logger {
	return &standardLogger{
		logger:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		verbosity: LevelInfo,
	}
}

// NewVerboseLogger returns a Logger that also emits debug lines.
func NewVerboseLogger(w io.Writer) Logger {
	l := NewStandardLogger(w).(*standardLogger)
	l.verbosity = LevelDebug
	return l
}

func (s *standardLogger) output(level int, format string, v ...interface{}) {
	if level > s.verbosity {
		return
	}
	_ = s.logger.Output(3, levelPrefix[level]+s.prefix+fmt.Sprintf(format, v...))
}

func (s *standardLogger) Printf(format string, v ...interface{}) {
	_ = s.logger.Output(2, s.prefix+fmt.Sprintf(format, v...))
}

func (s *standardLogger) Debugf(format string, v ...interface{}) {
	s.output(LevelDebug, format, v...)
}

func (s *standardLogger) Infof(format string, v ...interface{}) {
	s.output(LevelInfo, format, v...)
}

func (s *standardLogger) Warnf(format string, v ...interface{}) {
	s.output(LevelWarn, format, v...)
}

func (s *standardLogger) Errorf(format string, v ...interface{}) {
	s.output(LevelError, format, v...)
}

func (s *standardLogger) WithPrefix(prefix string) Logger {
	return &standardLogger{
		logger:    s.logger,
		verbosity: s.verbosity,
		prefix:    s.prefix + prefix,
	}
}
