// Package logger provides the leveled, per-component logger every
// engine-core subsystem is built against, following the call shape the
// teacher's components already use (logger.New(name), then
// Debugln/Infof/Warningln/Errorln/...). Backed by logrus.
package logger

import (
	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Logger is a named, leveled logger. One is created per subsystem
// instance (per torrent, per peer connection, per tracker) so log lines
// can be filtered by component.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with name, e.g. "session", "peer <- 1.2.3.4:6881".
func New(name string) Logger {
	return Logger{entry: logrus.WithField("component", name)}
}

func (l Logger) Debugln(args ...interface{})          { l.entry.Debugln(args...) }
func (l Logger) Debugf(f string, args ...interface{}) { l.entry.Debugf(f, args...) }
func (l Logger) Infoln(args ...interface{})            { l.entry.Infoln(args...) }
func (l Logger) Infof(f string, args ...interface{})  { l.entry.Infof(f, args...) }
func (l Logger) Info(args ...interface{})             { l.entry.Info(args...) }
func (l Logger) Warningln(args ...interface{})        { l.entry.Warnln(args...) }
func (l Logger) Warningf(f string, args ...interface{}) { l.entry.Warnf(f, args...) }
func (l Logger) Errorln(args ...interface{})          { l.entry.Errorln(args...) }
func (l Logger) Errorf(f string, args ...interface{}) { l.entry.Errorf(f, args...) }
func (l Logger) Error(args ...interface{})            { l.entry.Error(args...) }

// SetLevel sets the global minimum log level by name: "debug", "info",
// "warning", "error".
func SetLevel(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}
