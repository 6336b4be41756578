// Package elog defines the logging interfaces used throughout vdisc and the
// implementations that back them.
package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "github.com/sirupsen/logrus"

type LogLevel uint32

const (
	ErrorLevel LogLevel = LogLevel(logrus.ErrorLevel)
	WarnLevel  LogLevel = LogLevel(logrus.WarnLevel)
	InfoLevel  LogLevel = LogLevel(logrus.InfoLevel)
	DebugLevel LogLevel = LogLevel(logrus.DebugLevel)
	TraceLevel LogLevel = LogLevel(logrus.TraceLevel)
)

type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	IsLogLevelEnabled(level LogLevel) bool
	Logf(level LogLevel, format string, args ...interface{})
	Scoped(scope string) Logger
	Tracef(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Progress tracks a long running operation such as an image conversion.
type Progress interface {
	Increment(n int64)
	Finish(success bool)
}

// View is a Logger that can also print plain output and report progress.
type View interface {
	Logger
	Printf(format string, args ...interface{})
	NewProgress(label string, units string, total int64) Progress
}

// OrDiscard returns log, or Discard if log is nil.
func OrDiscard(log Logger) Logger {
	if log == nil {
		return Discard
	}
	return log
}
