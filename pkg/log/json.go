// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"fmt"
	"time"
)

// record is one JSON log line.
type record struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

var levelNames = map[Level]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	name, ok := levelNames[l]
	if !ok {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(name)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts the
// level names as well as their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var n uint32
	if err := json.Unmarshal(b, &n); err == nil {
		if _, ok := levelNames[Level(n)]; ok {
			*l = Level(n)
			return nil
		}
		return fmt.Errorf("unknown level %d", n)
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("level %s: %w", b, err)
	}
	for lv, name := range levelNames {
		if name == s {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", s)
}

// JSONEmitter writes each message as a JSON object on its own line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	r := record{
		Time:  timestamp,
		Level: level,
		Msg:   fmt.Sprintf(format, v...),
	}
	if file, line := caller(depth + 1); line > 0 {
		r.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("encoding log record: %v", err))
	}
	e.Writer.Write(b)
}
