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


package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter prefixes each message with a glog header:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// and passes the result to the underlying Emitter.
type GoogleEmitter struct {
	Emitter
}

var pid = os.Getpid()

// caller returns the base name and line of the frame depth levels above its
// own caller.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	file, line := caller(depth + 1)
	var b strings.Builder
	b.Grow(64 + len(format))
	b.WriteByte(level.letter())
	b.WriteString(timestamp.Format("0102 15:04:05.000000"))
	fmt.Fprintf(&b, " %7d %s:%d] ", pid, file, line)
	fmt.Fprintf(&b, format, v...)
	g.Emitter.Emit(depth+1, level, timestamp, "%s", b.String())
}
