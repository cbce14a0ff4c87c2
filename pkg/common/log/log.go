/*
Copyright Trustmesh Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package log provides named, leveled loggers for agent modules.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// nolint:gochecknoglobals
var base = logrus.New()

// Log is a logger instance scoped to one module.
type Log struct {
	entry *logrus.Entry
}

// New creates a logger for the given module name.
func New(module string) *Log {
	return &Log{entry: base.WithField("module", module)}
}

// SetLevel sets the level for all module loggers.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// SetOutput redirects all module loggers to w.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Debugf logs a debug message.
func (l *Log) Debugf(msg string, args ...interface{}) {
	l.entry.Debugf(msg, args...)
}

// Infof logs an info message.
func (l *Log) Infof(msg string, args ...interface{}) {
	l.entry.Infof(msg, args...)
}

// Warnf logs a warning message.
func (l *Log) Warnf(msg string, args ...interface{}) {
	l.entry.Warnf(msg, args...)
}

// Errorf logs an error message.
func (l *Log) Errorf(msg string, args ...interface{}) {
	l.entry.Errorf(msg, args...)
}
