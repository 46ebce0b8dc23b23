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

// Package hw simulates the cores that translation tables are used by.
//
// Each simulated CPU has a TLB caching (context, page) translations and an
// instruction log recording every maintenance operation issued on it, named
// after the architecture being modelled. Tests use the log to check
// ordering; the TLB lets them check that no stale translation survives a
// flush.
package hw

import (
	"fmt"
	"sync/atomic"

	"xlat.dev/xlat/pkg/sync"
	"xlat.dev/xlat/pkg/tlb"
)

// Opts configure a Machine.
type Opts struct {
	// CPUs is the number of cores.
	CPUs int

	// NoSingleContext hides the single-context invalidation.
	NoSingleContext bool

	// NoIndividualAddress hides the single-address invalidation.
	NoIndividualAddress bool

	// NoBlock1G hides 1G leaves.
	NoBlock1G bool

	// ContextBits is the width of VMID/VPID tags. Zero selects the
	// architectural default.
	ContextBits int
}

type tlbKey struct {
	id   tlb.ContextID
	page uint64
}

// CPU is one simulated core.
type CPU struct {
	index int

	mu      sync.Mutex
	tlb     map[tlbKey]uint64
	log     []string
	root    uint64
	context tlb.ContextID
	stalled bool
}

// Machine is a set of simulated cores.
type Machine struct {
	arch tlb.Arch
	caps tlb.Capabilities
	cpus []*CPU

	ipis atomic.Uint64
}

// New returns a machine of the given architecture.
func New(arch tlb.Arch, opts Opts) *Machine {
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	if opts.CPUs > tlb.MaxCPUs {
		panic(fmt.Sprintf("%d cpus exceeds the maximum of %d", opts.CPUs, tlb.MaxCPUs))
	}
	caps := tlb.Capabilities{
		Arch:              arch,
		SingleContext:     !opts.NoSingleContext,
		IndividualAddress: !opts.NoIndividualAddress,
		Block2M:           true,
		Block1G:           !opts.NoBlock1G,
		ContextBits:       opts.ContextBits,
		CacheLineBytes:    64,
	}
	switch arch {
	case tlb.ARM:
		// Inner-shareable maintenance reaches every core.
		caps.Broadcast = true
		if caps.ContextBits == 0 {
			caps.ContextBits = 8
		}
	case tlb.X86:
		if caps.ContextBits == 0 {
			caps.ContextBits = 16
		}
	}
	m := &Machine{arch: arch, caps: caps}
	for i := 0; i < opts.CPUs; i++ {
		m.cpus = append(m.cpus, &CPU{index: i, tlb: make(map[tlbKey]uint64)})
	}
	return m
}

// Capabilities returns what the machine supports.
func (m *Machine) Capabilities() tlb.Capabilities {
	return m.caps
}

// Arch returns the architecture.
func (m *Machine) Arch() tlb.Arch {
	return m.arch
}

// CPU returns core i.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// NumCPUs implements tlb.Hardware.NumCPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// IPIs returns the number of shootdown messages delivered.
func (m *Machine) IPIs() uint64 {
	return m.ipis.Load()
}

func (m *Machine) emit(cpu int, format string, v ...any) {
	c := m.cpus[cpu]
	c.mu.Lock()
	c.log = append(c.log, fmt.Sprintf(format, v...))
	c.mu.Unlock()
}

// name picks the mnemonic for the current architecture.
func (m *Machine) name(arm, x86 string) string {
	if m.arch == tlb.ARM {
		return arm
	}
	return x86
}

// targets returns the cores whose TLBs an invalidation on cpu reaches.
func (m *Machine) targets(cpu int) []*CPU {
	if m.caps.Broadcast {
		return m.cpus
	}
	return m.cpus[cpu : cpu+1]
}

func (m *Machine) drop(cpu int, match func(tlbKey) bool) {
	for _, c := range m.targets(cpu) {
		c.mu.Lock()
		for k := range c.tlb {
			if match(k) {
				delete(c.tlb, k)
			}
		}
		c.mu.Unlock()
	}
}

// DataSyncBarrier implements tlb.Hardware.DataSyncBarrier.
func (m *Machine) DataSyncBarrier(cpu int) {
	m.emit(cpu, "%s", m.name("dsb sy", "mfence"))
}

// InstructionSyncBarrier implements tlb.Hardware.InstructionSyncBarrier.
func (m *Machine) InstructionSyncBarrier(cpu int) {
	m.emit(cpu, "%s", m.name("isb", "serialize"))
}

// CleanDCache implements tlb.Hardware.CleanDCache.
func (m *Machine) CleanDCache(cpu int, pa uint64) {
	m.emit(cpu, "%s %#x", m.name("dc cvac", "clwb"), pa)
}

// CleanInvalidateDCache implements tlb.Hardware.CleanInvalidateDCache.
func (m *Machine) CleanInvalidateDCache(cpu int, pa uint64) {
	m.emit(cpu, "%s %#x", m.name("dc civac", "clflush"), pa)
}

// InvalidateICache implements tlb.Hardware.InvalidateICache.
func (m *Machine) InvalidateICache(cpu int) {
	m.emit(cpu, "%s", m.name("ic iallu", "icache sync"))
}

// InvalidateTLBAll implements tlb.Hardware.InvalidateTLBAll.
func (m *Machine) InvalidateTLBAll(cpu int) {
	m.emit(cpu, "%s", m.name("tlbi alle1is", "invept global"))
	m.drop(cpu, func(tlbKey) bool { return true })
}

// InvalidateTLBContext implements tlb.Hardware.InvalidateTLBContext.
func (m *Machine) InvalidateTLBContext(cpu int, id tlb.ContextID) {
	if !m.caps.SingleContext {
		panic(fmt.Sprintf("cpu %d: single-context invalidation not supported", cpu))
	}
	m.emit(cpu, "%s %d", m.name("tlbi vmalls12e1is vmid", "invept single ctx"), id)
	m.drop(cpu, func(k tlbKey) bool { return k.id == id })
}

// InvalidateTLBAddr implements tlb.Hardware.InvalidateTLBAddr.
func (m *Machine) InvalidateTLBAddr(cpu int, id tlb.ContextID, addr uint64) {
	if !m.caps.IndividualAddress {
		panic(fmt.Sprintf("cpu %d: individual-address invalidation not supported", cpu))
	}
	m.emit(cpu, "%s %d %#x", m.name("tlbi ipas2e1is vmid", "invvpid addr vpid"), id, addr)
	page := addr >> 12
	m.drop(cpu, func(k tlbKey) bool { return k.id == id && k.page == page })
}

// LoadRoot implements tlb.Hardware.LoadRoot.
func (m *Machine) LoadRoot(cpu int, id tlb.ContextID, root uint64) {
	m.emit(cpu, "%s %#x", m.name("msr vttbr_el2", "vmwrite eptp"), root)
	c := m.cpus[cpu]
	c.mu.Lock()
	c.root, c.context = root, id
	c.mu.Unlock()
}

type ack struct {
	done atomic.Bool
}

// Done implements tlb.Ack.Done.
func (a *ack) Done() bool {
	return a.done.Load()
}

// Send implements tlb.Messenger.Send. The request runs on its own goroutine,
// standing in for the interrupt handler on the target core; a stalled core
// never runs it.
func (m *Machine) Send(cpu int, r tlb.Request) tlb.Ack {
	a := &ack{}
	c := m.cpus[cpu]
	c.mu.Lock()
	stalled := c.stalled
	c.mu.Unlock()
	if stalled {
		return a
	}
	m.ipis.Add(1)
	go func() {
		m.emit(cpu, "ipi %v ctx %d", r.Scope, r.ID)
		tlb.Execute(m, cpu, r)
		a.done.Store(true)
	}()
	return a
}

// Stall makes cpu ignore shootdown messages.
func (c *CPU) Stall(stalled bool) {
	c.mu.Lock()
	c.stalled = stalled
	c.mu.Unlock()
}

// Fill caches the translation of page in context id, as a hardware walk
// would.
func (c *CPU) Fill(id tlb.ContextID, page, frame uint64) {
	c.mu.Lock()
	c.tlb[tlbKey{id, page}] = frame
	c.mu.Unlock()
}

// Cached returns the cached translation of page in context id.
func (c *CPU) Cached(id tlb.ContextID, page uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, ok := c.tlb[tlbKey{id, page}]
	return frame, ok
}

// CachedCount returns the number of cached translations of context id.
func (c *CPU) CachedCount(id tlb.ContextID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.tlb {
		if k.id == id {
			n++
		}
	}
	return n
}

// Log returns a copy of the instruction log.
func (c *CPU) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

// ResetLog empties the instruction log.
func (c *CPU) ResetLog() {
	c.mu.Lock()
	c.log = nil
	c.mu.Unlock()
}

// Root returns the last root loaded and its context.
func (c *CPU) Root() (uint64, tlb.ContextID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root, c.context
}
