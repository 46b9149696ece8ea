// Package logging provides the structured logger shared by every SRT
// subsystem: a thin Info/Warn/Success/Error/Fatal/Banner surface routed
// through logrus so log lines carry structured fields (conn_id, peer,
// state) instead of bare Printf strings.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	l.SetOutput(os.Stderr)
	return l
}

// SetLevel adjusts the minimum level logged by the whole module.
func SetLevel(level logrus.Level) {
	root.SetLevel(level)
}

// Fields is a shorthand for the structured key/value pairs attached to a
// log line, e.g. the connection id and peer address of the transport core
// emitting it.
type Fields = logrus.Fields

// Logger is a namespaced child logger for one subsystem (e.g. "conn",
// "handshake", "tsbpd"). Components hold one of these rather than calling
// the package-level functions directly once they have a connection or
// socket identity to attach.
type Logger struct {
	entry *logrus.Entry
}

// With returns a component-scoped logger tagged with component=name.
func With(name string) *Logger {
	return &Logger{entry: root.WithField("component", name)}
}

// WithFields returns a child logger carrying the given structured fields
// in addition to its component tag.
func (l *Logger) WithFields(f Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(f)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Success logs a notable positive state transition (connected, secured,
// accepted) at Info level with a success=true field.
func (l *Logger) Success(format string, args ...interface{}) {
	l.entry.WithField("success", true).Info(fmt.Sprintf(format, args...))
}

// Package-level convenience loggers for call sites with no component yet
// (process bootstrap, fatal startup errors).
func Debug(format string, args ...interface{}) { root.Debugf(format, args...) }
func Info(format string, args ...interface{})  { root.Infof(format, args...) }
func Warn(format string, args ...interface{})  { root.Warnf(format, args...) }
func Error(format string, args ...interface{}) { root.Errorf(format, args...) }
func Fatal(format string, args ...interface{}) { root.Fatalf(format, args...) }

// Banner prints the module's startup banner once at process boot; kept
// distinct from structured logging because it is meant for a human staring
// at a terminal, not a log aggregator.
func Banner(title, version string) {
	fmt.Fprintf(os.Stderr, "=== %s (srt v%s) ===\n", title, version)
}
