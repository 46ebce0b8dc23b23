// Copyright 2026 The xlat Authors.
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

package trace

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"xlat.dev/xlat/pkg/p2mt"
)

type recorder struct {
	events []Event
}

func (r *recorder) Event(e Event) {
	r.events = append(r.events, e)
}

func TestMulti(t *testing.T) {
	var a, b recorder
	s := Multi{&a, Nop{}, &b}
	e := Event{Kind: Map, Domain: 1, GFN: 0x1000, Pages: 2, Type: p2mt.RAMRW}
	s.Event(e)
	if diff := cmp.Diff([]Event{e}, a.events); diff != "" {
		t.Errorf("first sink mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Event{e}, b.events); diff != "" {
		t.Errorf("last sink mismatch (-want +got):\n%s", diff)
	}
}

func TestCounterSink(t *testing.T) {
	before := Count(Unmap)
	beforeErrors := errorsMetric.Value("unmap")
	var s CounterSink
	s.Event(Event{Kind: Unmap, Pages: 3})
	s.Event(Event{Kind: Unmap, Pages: 1, Err: fmt.Errorf("failed")})
	s.Event(Event{Kind: numKinds})
	if got := Count(Unmap) - before; got != 2 {
		t.Errorf("counted %d unmap events, want 2", got)
	}
	if got := errorsMetric.Value("unmap") - beforeErrors; got != 1 {
		t.Errorf("counted %d unmap errors, want 1", got)
	}
}

func TestEventString(t *testing.T) {
	e := Event{Kind: PoDFault, Domain: 3, GFN: 0x40, Pages: 1, Type: p2mt.RAMRW}
	if got, want := e.String(), "d3 pod_fault gfn 0x40+1 ram_rw"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	e.Err = fmt.Errorf("no memory")
	if got, want := e.String(), "d3 pod_fault gfn 0x40+1 ram_rw: no memory"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLogSink(t *testing.T) {
	// Must not panic with either level.
	s := NewLogSink(0)
	s.Event(Event{Kind: Flush})
	s.Event(Event{Kind: Flush, Err: fmt.Errorf("failed")})
}
