package raft

import (
	"fmt"
	"log"
	"os"
)

// Logger is the logging interface used by every raft component
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger writes through the standard library logger, prefixing each line with its level and a component tag
// such as "[NODE-1]".
type stdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger creates a Logger writing to stderr. Debug lines are only written when debug is true.
func NewStdLogger(tag string, debug bool) Logger {
	prefix := ""
	if tag != "" {
		prefix = fmt.Sprintf("[%s] ", tag)
	}
	return &stdLogger{
		logger: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix),
		debug:  debug,
	}
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.logger.Printf("DEBUG "+format, args...)
	}
}

func (l *stdLogger) Infof(format string, args ...interface{}) {
	l.logger.Printf("INFO "+format, args...)
}

func (l *stdLogger) Warnf(format string, args ...interface{}) {
	l.logger.Printf("WARN "+format, args...)
}

func (l *stdLogger) Errorf(format string, args ...interface{}) {
	l.logger.Printf("ERROR "+format, args...)
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// NopLogger discards everything. Used by tests and as the default of every component.
func NopLogger() Logger {
	return nopLogger{}
}
