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

// Package tlb implements the ordering rules between translation table
// writes, cache maintenance and TLB invalidation.
//
// Every entry store is followed by a write barrier. Once a mutation is
// complete, stale translations are invalidated with the narrowest operation
// the hardware supports, falling back to a whole-context and then a global
// flush. Each flush ends with a completion barrier, and when the flush must
// reach other cores the issuer waits until every targeted core has
// acknowledged it.
package tlb

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// ContextID is a hardware translation context tag: a VMID on ARM, a VPID on
// x86.
type ContextID uint16

// Arch selects the instruction family.
type Arch uint8

// Supported architectures.
const (
	ARM Arch = iota
	X86
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case ARM:
		return "arm"
	case X86:
		return "x86"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// Capabilities describe what the invalidation hardware supports. They are
// read once when an Invalidator is built.
type Capabilities struct {
	Arch Arch

	// SingleContext is set if one context can be flushed without flushing
	// every context.
	SingleContext bool

	// IndividualAddress is set if a single translation can be flushed.
	IndividualAddress bool

	// Broadcast is set if invalidations issued on one core reach every
	// core in the coherency domain, making shootdown messages unnecessary.
	Broadcast bool

	// Block2M and Block1G report support for 2M and 1G leaves.
	Block2M bool
	Block1G bool

	// ContextBits is the width of the context tag.
	ContextBits int

	// CacheLineBytes is the smallest data cache line size.
	CacheLineBytes uint64

	// MaxRangePages bounds per-address flushes; longer ranges escalate.
	MaxRangePages uint64
}

// MaxBlockLevel returns the highest level at which leaves may be written.
func (c Capabilities) MaxBlockLevel() int {
	switch {
	case c.Block1G && c.Block2M:
		return 2
	case c.Block2M:
		return 1
	default:
		return 0
	}
}

// Hardware are the primitives executed by one core.
type Hardware interface {
	// NumCPUs returns the number of cores.
	NumCPUs() int

	// DataSyncBarrier waits for all prior memory accesses and maintenance
	// operations issued by cpu to complete.
	DataSyncBarrier(cpu int)

	// InstructionSyncBarrier flushes the pipeline of cpu.
	InstructionSyncBarrier(cpu int)

	// CleanDCache writes back the line containing pa.
	CleanDCache(cpu int, pa uint64)

	// CleanInvalidateDCache writes back and discards the line containing pa.
	CleanInvalidateDCache(cpu int, pa uint64)

	// InvalidateICache discards the instruction cache.
	InvalidateICache(cpu int)

	// InvalidateTLBAll discards every cached translation.
	InvalidateTLBAll(cpu int)

	// InvalidateTLBContext discards every translation of one context.
	InvalidateTLBContext(cpu int, id ContextID)

	// InvalidateTLBAddr discards the translation of addr in one context.
	InvalidateTLBAddr(cpu int, id ContextID, addr uint64)

	// LoadRoot installs a translation root for context id.
	LoadRoot(cpu int, id ContextID, root uint64)
}

// Scope is the extent of an invalidation.
type Scope uint8

// Invalidation scopes, narrowest first.
const (
	ScopeRange Scope = iota
	ScopeContext
	ScopeAll
)

// String implements fmt.Stringer.
func (s Scope) String() string {
	switch s {
	case ScopeRange:
		return "range"
	case ScopeContext:
		return "context"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// Request is an invalidation to be performed by one core.
type Request struct {
	Scope Scope
	ID    ContextID
	Addr  uint64
	Pages uint64
}

// Ack reports completion of a Request on the target core.
type Ack interface {
	Done() bool
}

// Messenger delivers requests to other cores.
type Messenger interface {
	// Send posts r to cpu. The request runs asynchronously; the returned
	// Ack reports when it has completed.
	Send(cpu int, r Request) Ack
}

// Execute performs r on cpu, completion barrier included. It is what a core
// runs locally and what a shootdown handler runs on receipt.
func Execute(hw Hardware, cpu int, r Request) {
	switch r.Scope {
	case ScopeRange:
		for i := uint64(0); i < r.Pages; i++ {
			hw.InvalidateTLBAddr(cpu, r.ID, r.Addr+i<<pageShift)
		}
	case ScopeContext:
		hw.InvalidateTLBContext(cpu, r.ID)
	default:
		hw.InvalidateTLBAll(cpu)
	}
	hw.DataSyncBarrier(cpu)
	hw.InstructionSyncBarrier(cpu)
}

const pageShift = 12

// MaxCPUs is the largest number of cores a CPUSet can hold.
const MaxCPUs = 64

// CPUSet is a set of cores, safe for concurrent use.
type CPUSet struct {
	bits atomic.Uint64
}

// AllCPUs returns a set holding cores [0, n).
func AllCPUs(n int) *CPUSet {
	var s CPUSet
	if n >= MaxCPUs {
		s.bits.Store(^uint64(0))
	} else {
		s.bits.Store(1<<uint(n) - 1)
	}
	return &s
}

// Add adds cpu to the set.
func (s *CPUSet) Add(cpu int) {
	mask := uint64(1) << uint(cpu)
	for {
		old := s.bits.Load()
		if old&mask != 0 || s.bits.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Contains returns true if cpu is in the set.
func (s *CPUSet) Contains(cpu int) bool {
	return s.bits.Load()&(uint64(1)<<uint(cpu)) != 0
}

// Len returns the number of cores in the set.
func (s *CPUSet) Len() int {
	return bits.OnesCount64(s.bits.Load())
}

// Clear empties the set.
func (s *CPUSet) Clear() {
	s.bits.Store(0)
}

// ForEach calls fn for each core in the set, in increasing order.
func (s *CPUSet) ForEach(fn func(cpu int)) {
	for b := s.bits.Load(); b != 0; b &= b - 1 {
		fn(bits.TrailingZeros64(b))
	}
}

// String implements fmt.Stringer.
func (s *CPUSet) String() string {
	return fmt.Sprintf("cpus(%#x)", s.bits.Load())
}
