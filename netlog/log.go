// Package netlog is the structured-logging facade used by the reactor
// and tcpserver packages. It exists so handler panics, demultiplexer
// registration fallbacks, and connection lifecycle events are logged
// uniformly instead of through ad-hoc fmt.Println calls.
package netlog

import (
	"github.com/sirupsen/logrus"
)

// Logger is the minimal surface the reactor and tcpserver packages
// depend on. It is satisfied by *Logrus below and by any test double.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

// Logrus adapts a *logrus.Entry to Logger.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus builds a Logger backed by logrus, with "component" as the
// base field every caller refines with WithField.
func NewLogrus(component string) *Logrus {
	return &Logrus{entry: logrus.WithField("component", component)}
}

func (l *Logrus) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logrus) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logrus) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logrus) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *Logrus) WithField(key string, value interface{}) Logger {
	return &Logrus{entry: l.entry.WithField(key, value)}
}

// Default is the package-wide fallback logger used when a component is
// constructed without an explicit Logger.
var Default Logger = NewLogrus("tcpserver")

// SetLevel adjusts the package-wide logrus level (e.g. "debug", "info").
// Invalid names are ignored rather than panicking a running server.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	logrus.SetLevel(parsed)
}

// Nop discards everything; useful for benchmarks and quiet tests.
type Nop struct{}

func (Nop) Debugf(string, ...interface{})     {}
func (Nop) Infof(string, ...interface{})      {}
func (Nop) Warnf(string, ...interface{})      {}
func (Nop) Errorf(string, ...interface{})     {}
func (n Nop) WithField(string, interface{}) Logger { return n }
