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

// Package p2m maintains the guest-physical to machine translation of each
// virtual machine.
//
// A Manager owns the resources shared by all domains on a host: the frame
// pool, the context tag allocator and the invalidator. A Domain owns one
// translation tree and one context tag.
//
// Lock order:
//
//	Domain.mu
//	  Domain.shrink
//	    Manager.mu
//	    ctxid.Allocator.mu
//	    frame.Pool.mu
package p2m

import (
	"fmt"
	"time"

	"xlat.dev/xlat/pkg/ctxid"
	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/sync"
	"xlat.dev/xlat/pkg/tlb"
	"xlat.dev/xlat/pkg/trace"
)

// Arch selects the table format and depth.
type Arch uint8

// Supported table layouts.
const (
	// ARM32 is the three level, 40-bit stage-2 layout.
	ARM32 Arch = iota

	// ARM64 is the four level, 48-bit stage-2 layout.
	ARM64

	// EPT is the four level extended page table layout.
	EPT
)

var archNames = [...]string{
	ARM32: "arm32",
	ARM64: "arm64",
	EPT:   "ept",
}

// String implements fmt.Stringer.
func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// ParseArch parses the name of a layout.
func ParseArch(s string) (Arch, error) {
	for a, n := range archNames {
		if n == s {
			return Arch(a), nil
		}
	}
	return 0, fmt.Errorf("unknown architecture %q, must be one of arm32, arm64, ept: %w", s, linuxerr.EINVAL)
}

// MarshalText implements encoding.TextMarshaler.
func (a Arch) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Arch) UnmarshalText(b []byte) error {
	arch, err := ParseArch(string(b))
	if err != nil {
		return err
	}
	*a = arch
	return nil
}

// Layout returns the table layout of a.
func (a Arch) Layout() pagetables.Layout {
	switch a {
	case ARM32:
		return pagetables.Stage2ThreeLevel
	case ARM64:
		return pagetables.Stage2FourLevel
	default:
		return pagetables.EPTFourLevel
	}
}

// TLB returns the invalidation architecture of a.
func (a Arch) TLB() tlb.Arch {
	if a == EPT {
		return tlb.X86
	}
	return tlb.ARM
}

// DefaultTeardownBatch is the number of leaves removed by one teardown step
// when the configuration does not say.
const DefaultTeardownBatch = 512

// Config configures a Manager.
type Config struct {
	Arch Arch

	// Frames backs both guest memory and tables.
	Frames *frame.Pool

	// Hardware and Messenger reach the cores. Messenger may be nil when
	// maintenance is broadcast by the hardware.
	Hardware  tlb.Hardware
	Messenger tlb.Messenger

	// Capabilities are read once and fixed for the life of the manager.
	Capabilities tlb.Capabilities

	// ContextBits limits the context tag width below what the hardware
	// supports. Zero uses the hardware width.
	ContextBits int

	// TeardownBatch bounds the leaves removed per TeardownStep.
	TeardownBatch int

	// Invalidator configures the shootdown protocol.
	Invalidator tlb.Opts

	// Sink receives events. Nil discards them.
	Sink trace.Sink
}

// Manager creates domains.
type Manager struct {
	cfg    Config
	layout pagetables.Layout
	inv    *tlb.Invalidator
	ids    *ctxid.Allocator
	sink   trace.Sink

	// warn is used on paths a guest can trigger at will.
	warn log.Logger

	mu        sync.Mutex
	nextOwner frame.Owner
	domains   map[frame.Owner]*Domain
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Frames == nil || cfg.Hardware == nil {
		return nil, fmt.Errorf("frame pool and hardware are required: %w", linuxerr.EINVAL)
	}
	caps := cfg.Capabilities
	if caps.Arch != cfg.Arch.TLB() {
		return nil, fmt.Errorf("%v tables on %v hardware: %w", cfg.Arch, caps.Arch, linuxerr.EINVAL)
	}
	if !caps.Broadcast && cfg.Messenger == nil {
		return nil, fmt.Errorf("hardware without broadcast maintenance needs a messenger: %w", linuxerr.EINVAL)
	}
	bits := caps.ContextBits
	if cfg.ContextBits != 0 {
		if cfg.ContextBits > bits {
			return nil, fmt.Errorf("context tag width %d exceeds hardware width %d: %w", cfg.ContextBits, bits, linuxerr.EINVAL)
		}
		bits = cfg.ContextBits
	}
	if cfg.TeardownBatch == 0 {
		cfg.TeardownBatch = DefaultTeardownBatch
	}
	if cfg.TeardownBatch < 0 {
		return nil, fmt.Errorf("teardown batch %d: %w", cfg.TeardownBatch, linuxerr.EINVAL)
	}
	if cfg.Sink == nil {
		cfg.Sink = trace.Nop{}
	}

	layout := cfg.Arch.Layout()
	layout.MaxBlockLevel = min(layout.MaxBlockLevel, caps.MaxBlockLevel())

	inv := tlb.NewInvalidator(cfg.Hardware, cfg.Messenger, caps, cfg.Invalidator)
	ids, err := ctxid.New(bits, inv)
	if err != nil {
		return nil, err
	}
	log.Infof("Translation manager: %v tables, %d levels, blocks up to level %d, %d-bit context tags", cfg.Arch, layout.Levels, layout.MaxBlockLevel, bits)
	return &Manager{
		cfg:       cfg,
		layout:    layout,
		inv:       inv,
		ids:       ids,
		sink:      cfg.Sink,
		warn:      log.BasicRateLimitedLogger(time.Second),
		nextOwner: 1,
		domains:   make(map[frame.Owner]*Domain),
	}, nil
}

// Layout returns the layout used for new domains.
func (m *Manager) Layout() pagetables.Layout {
	return m.layout
}

// Frames returns the frame pool.
func (m *Manager) Frames() *frame.Pool {
	return m.cfg.Frames
}

// Invalidator returns the invalidator shared by all domains.
func (m *Manager) Invalidator() *tlb.Invalidator {
	return m.inv
}

// FreeContexts returns the number of context tags available.
func (m *Manager) FreeContexts() int {
	return m.ids.Free()
}

// Domains returns the live domains, in no particular order.
func (m *Manager) Domains() []*Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		ds = append(ds, d)
	}
	return ds
}

func (m *Manager) newOwner() (frame.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tries := 0; tries < int(frame.DomIO); tries++ {
		o := m.nextOwner
		m.nextOwner++
		if m.nextOwner >= frame.DomIO {
			m.nextOwner = 1
		}
		if _, ok := m.domains[o]; !ok {
			return o, nil
		}
	}
	return 0, fmt.Errorf("no free domain identifiers: %w", linuxerr.EAGAIN)
}

func (m *Manager) register(d *Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.owner] = d
}

func (m *Manager) forget(d *Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, d.owner)
}

// GPARange is a page aligned range of guest-physical addresses.
type GPARange struct {
	Start uint64
	End   uint64
}

// maxGFN is the last guest frame whose address fits in 64 bits.
const maxGFN = ^uint64(0) >> pte.PageShift

// PageRange returns the range of pages guest frames starting at gfn. A range
// whose end does not fit in 64 bits saturates to one ending at the last
// addressable page, which no domain accepts.
func PageRange(gfn, pages uint64) GPARange {
	if gfn > maxGFN || pages > maxGFN-gfn {
		return GPARange{Start: min(gfn, maxGFN) << pte.PageShift, End: maxGFN << pte.PageShift}
	}
	return GPARange{Start: gfn << pte.PageShift, End: (gfn + pages) << pte.PageShift}
}

// checkGFN returns EINVAL unless the pages frames at gfn lie below limit.
func checkGFN(gfn, pages, limit uint64) error {
	if top := limit >> pte.PageShift; gfn > top || pages > top-gfn {
		return fmt.Errorf("gfn %#x + %#x pages beyond guest-physical limit %#x: %w", gfn, pages, limit, linuxerr.EINVAL)
	}
	return nil
}

// Len returns the length of r in bytes.
func (r GPARange) Len() uint64 {
	return r.End - r.Start
}

// Pages returns the length of r in pages.
func (r GPARange) Pages() uint64 {
	return r.Len() >> pte.PageShift
}

// GFN returns the first guest frame of r.
func (r GPARange) GFN() uint64 {
	return r.Start >> pte.PageShift
}

// String implements fmt.Stringer.
func (r GPARange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

func (r GPARange) check(limit uint64) error {
	switch {
	case r.Start&(pte.PageSize-1) != 0 || r.End&(pte.PageSize-1) != 0:
		return fmt.Errorf("range %v not page aligned: %w", r, linuxerr.EINVAL)
	case r.End < r.Start:
		return fmt.Errorf("range %v inverted: %w", r, linuxerr.EINVAL)
	case r.End > limit:
		return fmt.Errorf("range %v beyond guest-physical limit %#x: %w", r, limit, linuxerr.EINVAL)
	}
	return nil
}

// Result reports how much of a range operation took effect.
type Result struct {
	// Done is the number of pages, from the start of the range, that were
	// processed.
	Done uint64

	// Requested is the length of the range in pages.
	Requested uint64
}

// Complete returns true if the whole range was processed.
func (r Result) Complete() bool {
	return r.Done == r.Requested
}

// Remaining returns the unprocessed tail of rng.
func (r Result) Remaining(rng GPARange) GPARange {
	return GPARange{Start: rng.Start + r.Done<<pte.PageShift, End: rng.End}
}
