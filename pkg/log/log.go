// Copyright 2018 Google LLC
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


// Package log is the logging library used across the translation code.
//
// Messages go through a global BasicLogger to an Emitter. Logging allocates
// even when the message is filtered out, so paths that run per fault or per
// entry guard debug statements:
//
//	if log.IsLogging(log.Debug) {
//		log.Debugf(...)
//	}
//
// Code acting on behalf of one domain logs through a Prefixed logger, and
// code that a guest can drive at will logs through a RateLimited one.
package log

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"xlat.dev/xlat/pkg/sync"
)

// Level is the log level.
type Level uint32

// Levels in increasing verbosity. The numeric values are part of the JSON
// encoding and must not change.
const (
	// Warning is always emitted.
	Warning Level = iota

	// Info is emitted by default.
	Info

	// Debug is emitted only when enabled.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// letter is the glog severity character for l.
func (l Level) letter() byte {
	switch l {
	case Warning:
		return 'W'
	case Info:
		return 'I'
	default:
		return 'D'
	}
}

// Emitter is the final destination for logs.
type Emitter interface {
	// Emit emits one statement. depth is the number of frames between the
	// caller of the logging function and Emit.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Logger is the interface passed to code that wants a contextual logger.
// BasicLogger satisfies it.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.logAtDepth(1, Debug, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.logAtDepth(1, Info, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.logAtDepth(1, Warning, format, v...)
}

func (l *BasicLogger) logAtDepth(depth int, level Level, format string, v ...any) {
	if l.IsLogging(level) {
		l.Emit(1+depth, level, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadUint32((*uint32)(&l.Level)) >= uint32(level)
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	atomic.StoreUint32((*uint32)(&l.Level), uint32(level))
}

// targetMu serializes SetTarget. Readers load the pointer without it.
var targetMu sync.Mutex

var global atomic.Pointer[BasicLogger]

// Log returns the global logger.
func Log() *BasicLogger {
	return global.Load()
}

// SetTarget replaces the global emitter, keeping the level. Messages
// logged concurrently may go to either emitter.
func SetTarget(target Emitter) {
	targetMu.Lock()
	defer targetMu.Unlock()
	global.Store(&BasicLogger{Level: Log().Level, Emitter: target})
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	Log().SetLevel(level)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().logAtDepth(1, Debug, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().logAtDepth(1, Info, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().logAtDepth(1, Warning, format, v...)
}

// IsLogging returns whether the global logger is logging level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Stacks returns the stack of the current goroutine, or of all goroutines.
func Stacks(all bool) []byte {
	for size := 4096; size <= 1<<20; size *= 4 {
		buf := make([]byte, size)
		if n := runtime.Stack(buf, all); n < size {
			return buf[:n]
		}
	}
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, all)
	return append(buf[:n], "\n\n...<too large, truncated>"...)
}

// Traceback logs a warning followed by the stack of the current goroutine.
func Traceback(format string, v ...any) {
	Log().logAtDepth(1, Warning, format+":\n%s", append(v, Stacks(false))...)
}

func init() {
	global.Store(&BasicLogger{Level: Info, Emitter: GoogleEmitter{Emitter: &Writer{Next: os.Stderr}}})
}
