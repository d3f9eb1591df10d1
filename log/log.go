// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log provides simple level logging for the sync engine.
// Log output is implemented by an outputter, which by default outputs
// to Go's logging package.
//
// Components log through a Logger obtained from For, which prefixes
// every message with the component name so that the interleaved
// output of the sync loop, the relay, and key rotation remains
// attributable:
//
//	var logger = log.For("syncclient")
//	logger.Printf("pushed %d changes to %s", n, region)
//	logger.Debug.Printf("cursor advanced to %s", cursor)
//
// Key material, passphrases, and decrypted payloads must never be
// passed to this package. Key IDs are safe to log.
//
// Binaries register the -log flag with AddFlags.
package log

import (
	"fmt"
	"os"
)

// An Outputter provides a destination for leveled log output.
type Outputter interface {
	// Level returns the level at which the outputter is accepting
	// messages.
	Level() Level

	// Output writes the provided message to the outputter at the
	// provided calldepth and level. The message is dropped by
	// the outputter if it is not logging at the desired level.
	Output(calldepth int, level Level, s string) error
}

var out Outputter = gologOutputter{}

// SetOutputter provides a new outputter for use in the log package.
// SetOutputter should not be called concurrently with any log
// output, and is thus suitable to be called only upon program
// initialization. SetOutputter returns the old outputter.
func SetOutputter(newOut Outputter) Outputter {
	old := out
	out = newOut
	return old
}

// At returns whether the logger is currently logging at the provided level.
func At(level Level) bool {
	return level <= out.Level()
}

// Output outputs a log message to the current outputter at the provided
// level and call depth.
func Output(calldepth int, level Level, s string) error {
	return out.Output(calldepth+1, level, s)
}

// A Level is a log verbosity level. Increasing levels decrease in
// priority and (usually) increase in verbosity: if the outputter is
// logging at level L, then all messages with level M <= L are
// outputted.
type Level int

const (
	// Off never outputs messages.
	Off = Level(-3)
	// Error outputs error messages.
	Error = Level(-2)
	// Info outputs informational messages. This is the standard
	// logging level.
	Info = Level(0)
	// Debug outputs messages intended for debugging and development,
	// not for regular users.
	Debug = Level(1)
)

// String returns the string representation of the level l.
func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Error:
		return "error"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		if l < 0 {
			panic("invalid log level")
		}
		return fmt.Sprintf("debug%d", l)
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs it
// at level l to the current outputter.
func (l Level) Print(v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at level l to the current outputter.
func (l Level) Printf(format string, v ...interface{}) {
	if At(l) {
		out.Output(2, l, fmt.Sprintf(format, v...))
	}
}

// Print formats a message in the manner of fmt.Sprint
// and outputs it at the Info level to the current outputter.
func Print(v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf
// and outputs it at the Info level to the current outputter.
func Printf(format string, v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, fmt.Sprintf(format, v...))
	}
}

// Fatal formats a message in the manner of fmt.Sprint, outputs it at
// the error level to the current outputter and then calls
// os.Exit(1).
func Fatal(v ...interface{}) {
	out.Output(2, Error, fmt.Sprint(v...))
	os.Exit(1)
}

// Panicf formats a message in the manner of fmt.Sprintf, outputs it
// at the error level to the current outputter and then panics.
func Panicf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	out.Output(2, Error, s)
	panic(s)
}

// A Logger outputs messages prefixed with a component name. The
// zero Logger logs without a prefix.
type Logger struct {
	prefix string

	// Error, Info, and Debug log at the respective levels with the
	// logger's prefix.
	Error, Info, Debug LevelLogger
}

// A LevelLogger logs at a fixed level with a fixed prefix.
type LevelLogger struct {
	level  Level
	prefix string
}

// For returns a Logger for the named component.
func For(component string) *Logger {
	prefix := component + ": "
	return &Logger{
		prefix: prefix,
		Error:  LevelLogger{Error, prefix},
		Info:   LevelLogger{Info, prefix},
		Debug:  LevelLogger{Debug, prefix},
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at the Info level.
func (l *Logger) Printf(format string, v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, l.prefix+fmt.Sprintf(format, v...))
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs
// it at the Info level.
func (l *Logger) Print(v ...interface{}) {
	if At(Info) {
		out.Output(2, Info, l.prefix+fmt.Sprint(v...))
	}
}

// Printf formats a message in the manner of fmt.Sprintf and outputs
// it at the logger's level.
func (l LevelLogger) Printf(format string, v ...interface{}) {
	if At(l.level) {
		out.Output(2, l.level, l.prefix+fmt.Sprintf(format, v...))
	}
}

// Print formats a message in the manner of fmt.Sprint and outputs
// it at the logger's level.
func (l LevelLogger) Print(v ...interface{}) {
	if At(l.level) {
		out.Output(2, l.level, l.prefix+fmt.Sprint(v...))
	}
}
