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


// Package metric provides primitives for collecting metrics.
//
// Metrics are cumulative counters, optionally broken down by a fixed set of
// fields. They are registered once, at init, and read back as a whole with
// Values.
package metric

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"

	"xlat.dev/xlat/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that a field defines no values.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the fields of a metric have
	// too many combinations to hold one counter each.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field is one dimension a metric is broken down by.
type Field struct {
	name   string
	values []string
	index  map[string]int
}

// NewField returns a field that takes one of allowed.
func NewField(name string, allowed []string) Field {
	f := Field{name: name, values: allowed, index: make(map[string]int, len(allowed))}
	for i, v := range allowed {
		f.index[v] = i
	}
	return f
}

// fieldSpace numbers every combination of field values. The first field is
// the most significant digit.
type fieldSpace struct {
	fields []Field
	size   int
}

func newFieldSpace(fields ...Field) (fieldSpace, error) {
	size := 1
	for _, f := range fields {
		if len(f.values) == 0 {
			return fieldSpace{}, ErrFieldHasNoAllowedValues
		}
		if size > math.MaxUint32/len(f.values) {
			return fieldSpace{}, ErrTooManyFieldCombinations
		}
		size *= len(f.values)
	}
	return fieldSpace{fields: fields, size: size}, nil
}

// key returns the number of a combination. It panics on a wrong number of
// values or on a value its field does not allow.
func (s fieldSpace) key(values ...string) int {
	if len(values) != len(s.fields) {
		panic(fmt.Sprintf("%d field values given for %d fields", len(values), len(s.fields)))
	}
	k := 0
	for i, v := range values {
		pos, ok := s.fields[i].index[v]
		if !ok {
			panic(fmt.Sprintf("disallowed field value %q for field %q", v, s.fields[i].name))
		}
		k = k*len(s.fields[i].values) + pos
	}
	return k
}

// values is the inverse of key.
func (s fieldSpace) values(k int) []string {
	if len(s.fields) == 0 {
		return nil
	}
	out := make([]string, len(s.fields))
	for i := len(s.fields) - 1; i >= 0; i-- {
		n := len(s.fields[i].values)
		out[i] = s.fields[i].values[k%n]
		k /= n
	}
	return out
}

// Uint64Metric is a registered counter with one value per combination of
// its fields.
type Uint64Metric struct {
	name        string
	description string
	space       fieldSpace
	counters    []atomic.Uint64
}

// NewUint64Metric creates and registers a counter.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	space, err := newFieldSpace(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		space:       space,
		counters:    make([]atomic.Uint64, space.size),
	}
	if err := registry.add(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the registered name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the counter for one combination of field values.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.counters[m.space.key(fieldValues...)].Load()
}

// Increment adds one to the counter for fieldValues.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.counters[m.space.key(fieldValues...)].Add(1)
}

// IncrementBy adds v to the counter for fieldValues.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counters[m.space.key(fieldValues...)].Add(v)
}

type metricSet struct {
	mu      sync.RWMutex
	metrics map[string]*Uint64Metric
}

func newMetricSet() *metricSet {
	return &metricSet{metrics: make(map[string]*Uint64Metric)}
}

// registry holds every registered metric.
var registry = newMetricSet()

func (s *metricSet) add(m *Uint64Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[m.name]; ok {
		return ErrNameInUse
	}
	s.metrics[m.name] = m
	return nil
}

// Sample is the value of one metric for one combination of field values.
type Sample struct {
	Name   string
	Fields []string
	Value  uint64
}

// String implements fmt.Stringer.
func (s Sample) String() string {
	if len(s.Fields) == 0 {
		return fmt.Sprintf("%s %d", s.Name, s.Value)
	}
	return fmt.Sprintf("%s%v %d", s.Name, s.Fields, s.Value)
}

// Values returns every registered metric, sorted by name and then by field
// values. Combinations that were never incremented are omitted; metrics
// without fields are always included.
func Values() []Sample {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	var out []Sample
	for name, m := range registry.metrics {
		for k := range m.counters {
			v := m.counters[k].Load()
			if v == 0 && len(m.space.fields) > 0 {
				continue
			}
			out = append(out, Sample{Name: name, Fields: m.space.values(k), Value: v})
		}
	}
	slices.SortFunc(out, func(a, b Sample) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return slices.Compare(a.Fields, b.Fields)
	})
	return out
}

// Description returns the description of a registered metric.
func Description(name string) (string, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	m, ok := registry.metrics[name]
	if !ok {
		return "", false
	}
	return m.description, true
}
