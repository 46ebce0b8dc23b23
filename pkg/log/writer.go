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
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"xlat.dev/xlat/pkg/sync"
)

// Writer is an Emitter that writes each message as one line to Next.
//
// Messages that fail to be written are counted, and the count is reported
// on the first write that succeeds afterwards.
type Writer struct {
	// Next is where output is written.
	Next io.Writer

	// mu serializes lines.
	mu sync.Mutex

	// dropped is read without mu on the fast path.
	dropped atomic.Int32
}

// Write writes data followed by a newline if it lacks one.
func (w *Writer) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := w.dropped.Load(); n > 0 {
		if err := w.writeLocked([]byte(fmt.Sprintf("\n*** Dropped %d log messages ***\n", n))); err == nil {
			w.dropped.Store(0)
		}
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data[:len(data):len(data)], '\n')
	}
	if err := w.writeLocked(data); err != nil {
		w.dropped.Add(1)
		return 0, err
	}
	return len(data), nil
}

// writeLocked writes all of data, retrying writes to a non-blocking file
// that would block.
func (w *Writer) writeLocked(data []byte) error {
	for len(data) > 0 {
		n, err := w.Next.Write(data)
		data = data[n:]
		if pathErr, ok := err.(*os.PathError); ok && pathErr.Timeout() {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Emit implements Emitter.Emit.
func (w *Writer) Emit(_ int, _ Level, _ time.Time, format string, v ...any) {
	w.Write([]byte(fmt.Sprintf(format, v...)))
}

// MultiEmitter emits to each of its emitters in order.
type MultiEmitter []Emitter

// Emit implements Emitter.Emit.
func (m MultiEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	for _, e := range m {
		e.Emit(1+depth, level, timestamp, format, v...)
	}
}

// TestLogger is implemented by testing.T and testing.B.
type TestLogger interface {
	Logf(format string, v ...any)
}

// TestEmitter sends messages to a test's log.
type TestEmitter struct {
	TestLogger
}

// Emit implements Emitter.Emit.
func (t TestEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	t.Logf("%c] %s", level.letter(), fmt.Sprintf(format, v...))
}
