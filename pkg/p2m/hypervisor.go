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


package p2m

import (
	"fmt"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/sync"
	"xlat.dev/xlat/pkg/tlb"
)

// Hypervisor is the hypervisor's own stage-1 address space. It holds the
// text the hypervisor patches at run time and the device registers it
// drives. Only ARM managers have one.
//
// Hypervisor translations are global: every change is invalidated on all
// cores.
type Hypervisor struct {
	m      *Manager
	cpus   *tlb.CPUSet
	tables *tableSource

	mu sync.Mutex
	pt *pagetables.PageTables
}

// NewHypervisor returns an empty hypervisor address space.
func (m *Manager) NewHypervisor() (*Hypervisor, error) {
	if m.cfg.Arch == EPT {
		return nil, fmt.Errorf("%v has no stage-1 tables: %w", m.cfg.Arch, linuxerr.EINVAL)
	}
	layout := pagetables.HypervisorFourLevel
	layout.MaxBlockLevel = min(layout.MaxBlockLevel, m.layout.MaxBlockLevel)
	src := &tableSource{pool: m.cfg.Frames}
	pt, err := pagetables.New(pagetables.NewRuntimeAllocator(src), layout, pagetables.Opts{Barrier: m.inv.WriteBarrier})
	if err != nil {
		return nil, fmt.Errorf("creating hypervisor tables: %w", err)
	}
	return &Hypervisor{
		m:      m,
		cpus:   tlb.AllCPUs(m.inv.NumCPUs()),
		tables: src,
		pt:     pt,
	}, nil
}

func (h *Hypervisor) checkLocked(va, length uint64) error {
	if h.pt == nil {
		return fmt.Errorf("hypervisor tables destroyed: %w", linuxerr.EBUSY)
	}
	if va&(pte.PageSize-1) != 0 || length&(pte.PageSize-1) != 0 || length == 0 {
		return fmt.Errorf("virtual range %#x+%#x not page aligned: %w", va, length, linuxerr.EINVAL)
	}
	if limit := h.pt.Layout().Limit(); va+length < va || va+length > limit {
		return fmt.Errorf("virtual range %#x+%#x beyond limit %#x: %w", va, length, limit, linuxerr.EINVAL)
	}
	return nil
}

// MapText maps the pages frames at mfn read-only and executable at va, then
// makes the instructions they hold visible to instruction fetch.
func (h *Hypervisor) MapText(va, mfn, pages uint64) error {
	pool := h.m.cfg.Frames
	for i := uint64(0); i < pages; i++ {
		if !pool.Allocated(mfn + i) {
			return fmt.Errorf("text frame %#x not allocated: %w", mfn+i, linuxerr.EINVAL)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	length := pages << pte.PageShift
	if err := h.checkLocked(va, length); err != nil {
		return err
	}
	if err := h.mapLocked(va, length, mfn, p2mt.Read|p2mt.Execute, pte.AttrWriteAlloc); err != nil {
		return err
	}
	h.m.inv.SyncText(pool.MachineAddress(mfn), length)
	return nil
}

// MapDevice maps length bytes of device registers at machine address maddr
// to va, read/write and never executable.
func (h *Hypervisor) MapDevice(va, maddr, length uint64) error {
	if maddr&(pte.PageSize-1) != 0 {
		return fmt.Errorf("device address %#x not page aligned: %w", maddr, linuxerr.EINVAL)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(va, length); err != nil {
		return err
	}
	return h.mapLocked(va, length, maddr>>pte.PageShift, p2mt.ReadWrite, pte.AttrDevice)
}

func (h *Hypervisor) mapLocked(va, length, mfn uint64, perm p2mt.Perm, attr pte.Attr) error {
	replaced := false
	n, err := h.pt.MapAttr(va, length, mfn, perm, attr, func(uint64, int, pte.Decoded) {
		replaced = true
	})
	if replaced {
		h.flushLocked()
	}
	if err != nil {
		// Leave nothing half mapped.
		if n > 0 {
			if _, uerr := h.pt.Unmap(va, n, nil); uerr != nil {
				panic(fmt.Sprintf("unwinding hypervisor mapping %#x+%#x: %v", va, n, uerr))
			}
			h.flushLocked()
		}
		return fmt.Errorf("mapping %#x+%#x: %w", va, length, err)
	}
	return nil
}

// Unmap removes every hypervisor mapping in [va, va+length).
func (h *Hypervisor) Unmap(va, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(va, length); err != nil {
		return err
	}
	removed := false
	n, err := h.pt.Unmap(va, length, func(uint64, int, pte.Decoded) {
		removed = true
	})
	if removed || len(h.tables.pending) > 0 {
		h.flushLocked()
	}
	if err != nil {
		return fmt.Errorf("unmapping %#x+%#x after %#x bytes: %w", va, length, n, err)
	}
	return nil
}

// flushLocked invalidates every hypervisor translation and then frees the
// tables no walk can reach any more.
func (h *Hypervisor) flushLocked() {
	h.m.inv.FlushAll(h.cpus)
	h.tables.release()
}

// Translate returns the machine frame, permissions and memory attribute of
// virtual address va.
func (h *Hypervisor) Translate(va uint64) (uint64, p2mt.Perm, pte.Attr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pt == nil {
		return 0, 0, 0, fmt.Errorf("hypervisor tables destroyed: %w", linuxerr.ENOENT)
	}
	l, ok := h.pt.Lookup(va)
	if !ok {
		return 0, 0, 0, fmt.Errorf("hypervisor address %#x: %w", va, linuxerr.ENOENT)
	}
	return l.FrameFor(va), l.Perm, pte.Stage1Attr(l.Raw), nil
}

// Tables returns the number of table pages in use.
func (h *Hypervisor) Tables() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	if h.pt != nil {
		h.pt.Tables(func(int, uint64) { n++ })
	}
	return n
}

// Destroy removes every mapping and frees the tables.
func (h *Hypervisor) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pt == nil {
		return
	}
	h.pt.Destroy(nil)
	h.pt = nil
	h.flushLocked()
}
