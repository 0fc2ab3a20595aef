package cron

import (
	"fmt"
	"io"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithLogger sets a custom logger for the scheduler
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter sets a custom writer for robfig's internal logging
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler sets the handler that receives job failures
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithClock overrides time.Now for one-shot schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// loggerAdapter adapts our Logger interface to robfig/cron's logger
type loggerAdapter struct {
	logger Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logger.Info(msg, args...)
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...interface{}) {
	if l.level < LogLevelError {
		return
	}
	if err != nil {
		l.logger.Error(fmt.Sprintf("%s: %v", msg, err), args...)
		return
	}
	l.logger.Error(msg, args...)
}

// errorHandlerAdapter routes robfig recover output into the error handler
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...interface{}) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...interface{}) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf(msg, args...))
}
