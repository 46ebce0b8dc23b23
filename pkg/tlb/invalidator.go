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

package tlb

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/metric"
)

var (
	flushes = metric.MustCreateNewUint64Metric("/tlb/flushes", "Number of TLB invalidations issued, by scope.",
		metric.NewField("scope", []string{"range", "context", "all"}))
	shootdowns = metric.MustCreateNewUint64Metric("/tlb/shootdowns", "Number of invalidation requests sent to other cores.")
	cacheLines = metric.MustCreateNewUint64Metric("/tlb/cache_lines", "Number of data cache lines maintained.")
)

// Opts are optional parameters for NewInvalidator.
type Opts struct {
	// Self is the core that issues maintenance.
	Self int

	// AckRetries bounds how many times an acknowledgement is polled before
	// a core is declared unresponsive.
	AckRetries uint64

	// AckInterval is the delay between polls.
	AckInterval time.Duration
}

const (
	defaultAckRetries    = 10000
	defaultAckInterval   = 10 * time.Microsecond
	defaultCacheLine     = 64
	defaultMaxRangePages = 64
)

// Invalidator issues cache and TLB maintenance.
type Invalidator struct {
	hw   Hardware
	msg  Messenger
	caps Capabilities
	opts Opts
}

// NewInvalidator returns an invalidator for hw. caps are fixed for the
// lifetime of the invalidator.
func NewInvalidator(hw Hardware, msg Messenger, caps Capabilities, opts Opts) *Invalidator {
	if caps.CacheLineBytes == 0 {
		caps.CacheLineBytes = defaultCacheLine
	}
	if caps.MaxRangePages == 0 {
		caps.MaxRangePages = defaultMaxRangePages
	}
	if opts.AckRetries == 0 {
		opts.AckRetries = defaultAckRetries
	}
	if opts.AckInterval == 0 {
		opts.AckInterval = defaultAckInterval
	}
	return &Invalidator{hw: hw, msg: msg, caps: caps, opts: opts}
}

// Capabilities returns the capabilities captured at construction.
func (i *Invalidator) Capabilities() Capabilities {
	return i.caps
}

// NumCPUs returns the number of cores.
func (i *Invalidator) NumCPUs() int {
	return i.hw.NumCPUs()
}

// WriteBarrier orders one table store before anything that follows it.
func (i *Invalidator) WriteBarrier() {
	i.hw.DataSyncBarrier(i.opts.Self)
}

// Scope returns the invalidation used for pages translations of one context.
func (i *Invalidator) Scope(pages uint64) Scope {
	switch {
	case i.caps.IndividualAddress && pages <= i.caps.MaxRangePages:
		return ScopeRange
	case i.caps.SingleContext:
		return ScopeContext
	default:
		return ScopeAll
	}
}

// FlushRange invalidates the translations of [addr, addr+length) in context
// id on every core in cpus, escalating to a wider flush when the hardware
// cannot target the range.
func (i *Invalidator) FlushRange(id ContextID, cpus *CPUSet, addr, length uint64) {
	if length == 0 {
		return
	}
	first := addr >> pageShift
	pages := (addr+length-1)>>pageShift - first + 1
	i.run(Request{Scope: i.Scope(pages), ID: id, Addr: first << pageShift, Pages: pages}, cpus)
}

// FlushContext invalidates every translation of context id on cpus.
func (i *Invalidator) FlushContext(id ContextID, cpus *CPUSet) {
	scope := ScopeContext
	if !i.caps.SingleContext {
		scope = ScopeAll
	}
	i.run(Request{Scope: scope, ID: id}, cpus)
}

// FlushAll invalidates every translation on cpus.
func (i *Invalidator) FlushAll(cpus *CPUSet) {
	i.run(Request{Scope: ScopeAll}, cpus)
}

// run performs r on cpus and waits for it to complete everywhere.
func (i *Invalidator) run(r Request, cpus *CPUSet) {
	flushes.Increment(r.Scope.String())
	if r.Scope != ScopeRange {
		r.Addr, r.Pages = 0, 0
	}
	self := i.opts.Self
	if i.caps.Broadcast {
		Execute(i.hw, self, r)
		return
	}

	type pending struct {
		cpu int
		ack Ack
	}
	var acks []pending
	local := false
	cpus.ForEach(func(cpu int) {
		if cpu == self {
			local = true
			return
		}
		shootdowns.Increment()
		acks = append(acks, pending{cpu, i.msg.Send(cpu, r)})
	})
	if local {
		Execute(i.hw, self, r)
	}

	for _, p := range acks {
		poll := func() error {
			if p.ack.Done() {
				return nil
			}
			return errNotAcked
		}
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(i.opts.AckInterval), i.opts.AckRetries)
		if err := backoff.Retry(poll, b); err != nil {
			log.Warningf("cpu %d did not acknowledge %v invalidation of context %d after %d polls", p.cpu, r.Scope, r.ID, i.opts.AckRetries)
			panic(fmt.Sprintf("cpu %d unresponsive to TLB shootdown", p.cpu))
		}
	}
}

var errNotAcked = errors.New("invalidation not acknowledged")

// lines calls fn on each cache line overlapping [pa, pa+length).
func (i *Invalidator) lines(pa, length uint64, fn func(uint64)) {
	if length == 0 {
		return
	}
	line := i.caps.CacheLineBytes
	end := pa + length
	n := uint64(0)
	for a := pa &^ (line - 1); a < end; a += line {
		fn(a)
		n++
	}
	cacheLines.IncrementBy(n)
}

// SyncText makes newly written instructions in [pa, pa+length) visible: the
// data cache is cleaned first, then the instruction cache and the local
// translations are invalidated.
func (i *Invalidator) SyncText(pa, length uint64) {
	self := i.opts.Self
	i.lines(pa, length, func(a uint64) {
		i.hw.CleanDCache(self, a)
	})
	i.hw.DataSyncBarrier(self)
	i.hw.InvalidateICache(self)
	i.hw.InvalidateTLBAll(self)
	i.hw.DataSyncBarrier(self)
	i.hw.InstructionSyncBarrier(self)
}

// CleanInvalidate writes back and discards the data cache lines of
// [pa, pa+length).
func (i *Invalidator) CleanInvalidate(pa, length uint64) {
	self := i.opts.Self
	i.hw.DataSyncBarrier(self)
	i.lines(pa, length, func(a uint64) {
		i.hw.CleanInvalidateDCache(self, a)
	})
	i.hw.DataSyncBarrier(self)
}

// LoadRoot installs root for context id on cpu.
func (i *Invalidator) LoadRoot(cpu int, id ContextID, root uint64) {
	i.hw.LoadRoot(cpu, id, root)
	i.hw.InstructionSyncBarrier(cpu)
}

// Batch accumulates the ranges touched by a multi-entry mutation so that a
// single flush covers them all.
type Batch struct {
	inv     *Invalidator
	id      ContextID
	cpus    *CPUSet
	start   uint64
	end     uint64
	pending bool
}

// NewBatch starts a batch for context id.
func (i *Invalidator) NewBatch(id ContextID, cpus *CPUSet) *Batch {
	return &Batch{inv: i, id: id, cpus: cpus}
}

// Add records that the translations of [addr, addr+length) changed.
func (b *Batch) Add(addr, length uint64) {
	if length == 0 {
		return
	}
	if !b.pending {
		b.start, b.end, b.pending = addr, addr+length, true
		return
	}
	b.start = min(b.start, addr)
	b.end = max(b.end, addr+length)
}

// Pending returns true if Flush has work to do.
func (b *Batch) Pending() bool {
	return b.pending
}

// Flush issues one invalidation covering everything added since the last
// flush.
func (b *Batch) Flush() {
	if !b.pending {
		return
	}
	b.inv.FlushRange(b.id, b.cpus, b.start, b.end-b.start)
	b.pending = false
}
