// Package logging sets up the collector's component-scoped loggers.
package logging

import "github.com/sirupsen/logrus"

// New returns a field logger scoped to component, so every line it
// emits carries a "component" field rather than a hand-formatted
// string prefix.
func New(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Device returns a logger scoped to both the owning component and a
// specific device hash; callers add a "session_hash" field themselves
// where one is in play.
func Device(component, deviceHash string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component":   component,
		"device_hash": deviceHash,
	})
}

// Configure sets the process-wide logrus level and formatter. It is
// called once at startup by cmd/tkmcollectord; which backend logrus
// writes to (syslog, journald, stderr) is the out-of-scope "logging
// backend" concern the specification names as an external collaborator
// — only the level/formatter is ours to set.
func Configure(level logrus.Level) {
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
