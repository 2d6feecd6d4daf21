// Copyright 2026 The Slate Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides leveled logging for the driver core.
//
// The package-level functions log through a process-global logger that can
// be replaced with SetTarget. Formatting is deferred until the level check
// passes; callers guarding genuinely expensive argument construction should
// test IsLogging first.
package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Level is a log level.
type Level uint32

// The set of levels, most severe first.
const (
	// Warning indicates a problem the driver recovered from, or state
	// that only arises when something else has gone wrong.
	Warning Level = iota

	// Info is general operational information.
	Info

	// Debug is high-volume detail for debugging only.
	Debug
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return "invalid"
	}
}

// Emitter is the final destination for log lines.
type Emitter interface {
	// Emit writes one message. Implementations must be safe for
	// concurrent use.
	Emit(level Level, timestamp time.Time, format string, v ...any)
}

// Writer is an Emitter writing formatted lines to Next, one per message,
// with a glog-style prefix:
//
//	Lmmdd hh:mm:ss.uuuuuu] msg...
type Writer struct {
	// Next is the destination for output.
	Next io.Writer
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(level Level, timestamp time.Time, format string, v ...any) {
	var lc byte
	switch level {
	case Warning:
		lc = 'W'
	case Info:
		lc = 'I'
	default:
		lc = 'D'
	}
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	prefix := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d] ", lc,
		int(month), day, hour, minute, second, timestamp.Nanosecond()/1000)
	fmt.Fprintf(w.Next, prefix+format+"\n", v...)
}

// Logger is a write interface for leveled messages.
type Logger interface {
	// Debugf logs at Debug.
	Debugf(format string, v ...any)

	// Infof logs at Info.
	Infof(format string, v ...any)

	// Warningf logs at Warning.
	Warningf(format string, v ...any)

	// IsLogging reports whether messages at the given level are emitted.
	IsLogging(level Level) bool
}

// BasicLogger is the standard Logger: an Emitter gated by a Level.
type BasicLogger struct {
	Level   Level
	Emitter Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.emit(Debug, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.emit(Info, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.emit(Warning, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level <= l.Level
}

func (l *BasicLogger) emit(level Level, format string, v ...any) {
	if l.IsLogging(level) {
		l.Emitter.Emit(level, time.Now(), format, v...)
	}
}

var logger atomic.Pointer[BasicLogger]

func init() {
	logger.Store(&BasicLogger{Level: Info, Emitter: &Writer{Next: os.Stderr}})
}

// Log returns the process-global logger.
func Log() *BasicLogger {
	return logger.Load()
}

// SetTarget replaces the global logger's emitter, keeping the level.
func SetTarget(e Emitter) {
	logger.Store(&BasicLogger{Level: Log().Level, Emitter: e})
}

// SetLevel replaces the global logger's level, keeping the emitter.
func SetLevel(level Level) {
	logger.Store(&BasicLogger{Level: level, Emitter: Log().Emitter})
}

// Debugf logs to the global logger at Debug.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger at Info.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger at Warning.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}

// IsLogging reports whether the global logger emits at level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Traceback logs a warning with the current goroutine's stack attached. It
// marks states that should be impossible and is never rate limited.
func Traceback(format string, v ...any) {
	stack := make([]byte, 16<<10)
	stack = stack[:runtime.Stack(stack, false)]
	v = append(v, stack)
	Warningf(format+"\n%s", v...)
}
