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

package metric

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset forgets every registered metric.
func reset() {
	registry = newMetricSet()
}

func TestRegister(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", "Foo!"); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/foo", "Foo again"); err != ErrNameInUse {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("/empty", "no values", NewField("kind", nil)); err != ErrFieldHasNoAllowedValues {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
	if d, ok := Description("/foo"); !ok || d != "Foo!" {
		t.Errorf("Description = %q, %v", d, ok)
	}
}

func TestFields(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/flush", "Flushes",
		NewField("kind", []string{"range", "context", "all"}),
		NewField("arch", []string{"arm", "x86"}))
	m.Increment("context", "x86")
	m.IncrementBy(3, "all", "arm")
	m.Increment("context", "x86")

	if got := m.Value("context", "x86"); got != 2 {
		t.Errorf("Value(context, x86) = %d, want 2", got)
	}
	if got := m.Value("range", "arm"); got != 0 {
		t.Errorf("Value(range, arm) = %d, want 0", got)
	}

	want := []Sample{
		{Name: "/flush", Fields: []string{"all", "arm"}, Value: 3},
		{Name: "/flush", Fields: []string{"context", "x86"}, Value: 2},
	}
	if diff := cmp.Diff(want, Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedField(t *testing.T) {
	defer reset()

	m := MustCreateNewUint64Metric("/kinds", "Kinds", NewField("kind", []string{"a"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}

func TestKeyRoundTrip(t *testing.T) {
	s, err := newFieldSpace(
		NewField("x", []string{"a", "b", "c"}),
		NewField("y", []string{"d", "e"}))
	if err != nil {
		t.Fatalf("newFieldSpace: %v", err)
	}
	if s.size != 6 {
		t.Fatalf("size = %d, want 6", s.size)
	}
	if diff := cmp.Diff([]string{"b", "e"}, s.values(3)); diff != "" {
		t.Errorf("values(3) mismatch (-want +got):\n%s", diff)
	}
	for k := 0; k < s.size; k++ {
		values := s.values(k)
		if got := s.key(values...); got != k {
			t.Errorf("key(%v) = %d, want %d", values, got, k)
		}
	}
}

func TestTooManyCombinations(t *testing.T) {
	wide := make([]string, 1<<16)
	for i := range wide {
		wide[i] = fmt.Sprint(i)
	}
	f := NewField("wide", wide)
	if _, err := newFieldSpace(f, f, f); err != ErrTooManyFieldCombinations {
		t.Errorf("newFieldSpace got err %v, want %v", err, ErrTooManyFieldCombinations)
	}
}
