// Package logging defines the logger collaborator used across the system and
// its logrus-backed default implementation. Loggers are passed explicitly at
// construction; nothing in the codebase logs through a package-level global.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract components depend on. Implementations must
// be safe for concurrent use.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// WithError returns a logger that attaches err to subsequent entries.
	WithError(err error) Logger
	// WithField returns a logger that attaches a structured field to
	// subsequent entries.
	WithField(key string, value any) Logger
	// Component returns a child logger tagged with the given component name.
	Component(name string) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a logrus-backed Logger writing to w at the given level.
// Unknown level strings fall back to info.
func New(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) Component(name string) Logger {
	return &logrusLogger{entry: l.entry.WithField("component", name)}
}

// Discard returns a Logger that drops everything. Used as the default when a
// constructor receives a nil logger, and by tests that don't assert on logs.
func Discard() Logger {
	return New(io.Discard, "panic")
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
