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

// Package trace provides hooks for observing translation domain activity.
//
// Sinks must not block and must not call back into the domain that emitted
// the event; they may be invoked with the domain lock held.
package trace

import (
	"fmt"
	"time"

	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/metric"
	"xlat.dev/xlat/pkg/p2mt"
)

// Kind identifies an event.
type Kind uint8

// Event kinds.
const (
	Map Kind = iota
	Unmap
	Populate
	PoDFault
	PoDRelease
	Flush
	Teardown
	Fault
	numKinds
)

var kindNames = [...]string{
	Map:        "map",
	Unmap:      "unmap",
	Populate:   "populate",
	PoDFault:   "pod_fault",
	PoDRelease: "pod_release",
	Flush:      "flush",
	Teardown:   "teardown",
	Fault:      "fault",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event describes one operation on a domain.
type Event struct {
	Kind Kind

	// Domain is the context ID of the domain.
	Domain uint16

	GFN   uint64
	Pages uint64
	Type  p2mt.Type

	// Err is set if the operation failed, possibly after partial progress.
	Err error
}

// String implements fmt.Stringer.
func (e Event) String() string {
	s := fmt.Sprintf("d%d %v gfn %#x+%d %v", e.Domain, e.Kind, e.GFN, e.Pages, e.Type)
	if e.Err != nil {
		s += fmt.Sprintf(": %v", e.Err)
	}
	return s
}

// Sink receives events.
type Sink interface {
	Event(e Event)
}

// Nop discards events.
type Nop struct{}

// Event implements Sink.Event.
func (Nop) Event(Event) {}

// Multi sends events to every sink in order.
type Multi []Sink

// Event implements Sink.Event.
func (m Multi) Event(e Event) {
	for _, s := range m {
		s.Event(e)
	}
}

// LogSink logs events at debug level, and failed events at warning level.
type LogSink struct {
	logger log.Logger
}

// NewLogSink returns a LogSink that emits at most one message per every.
func NewLogSink(every time.Duration) *LogSink {
	return &LogSink{logger: log.BasicRateLimitedLogger(every)}
}

// Event implements Sink.Event.
func (s *LogSink) Event(e Event) {
	if e.Err != nil {
		s.logger.Warningf("%v", e)
		return
	}
	if s.logger.IsLogging(log.Debug) {
		s.logger.Debugf("%v", e)
	}
}

var (
	eventsMetric = metric.MustCreateNewUint64Metric("/p2m/events", "Number of translation domain operations, by kind.", metric.NewField("kind", kindNames[:]))
	pagesMetric  = metric.MustCreateNewUint64Metric("/p2m/event_pages", "Number of pages covered by translation domain operations, by kind.", metric.NewField("kind", kindNames[:]))
	errorsMetric = metric.MustCreateNewUint64Metric("/p2m/event_errors", "Number of failed translation domain operations, by kind.", metric.NewField("kind", kindNames[:]))
)

// CounterSink counts events.
type CounterSink struct{}

// Event implements Sink.Event.
func (CounterSink) Event(e Event) {
	if e.Kind >= numKinds {
		return
	}
	k := kindNames[e.Kind]
	eventsMetric.Increment(k)
	pagesMetric.IncrementBy(e.Pages, k)
	if e.Err != nil {
		errorsMetric.Increment(k)
	}
}

// Count returns the number of events of kind counted so far.
func Count(k Kind) uint64 {
	return eventsMetric.Value(k.String())
}
