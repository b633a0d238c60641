// Package logger provides structured logging for the settlement layer.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout, stderr
	Name   string // component name attached to every entry
}

// Logger wraps a logrus entry with a fixed component field.
type Logger struct {
	entry *logrus.Entry
}

// New creates a logger from the given configuration.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()
	l.SetOutput(output(cfg.Output))

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	entry := logrus.NewEntry(l)
	if cfg.Name != "" {
		entry = entry.WithField("component", cfg.Name)
	}
	return &Logger{entry: entry}
}

// NewDefault creates an info-level text logger for the named component.
func NewDefault(name string) *Logger {
	return New(LoggingConfig{Level: "info", Format: "text", Output: "stdout", Name: name})
}

func output(name string) io.Writer {
	switch strings.ToLower(name) {
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// Named returns a child logger with the component field replaced.
func (l *Logger) Named(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// WithField returns a logger with an extra field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with extra fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
