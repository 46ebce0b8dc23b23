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

// Package frame models the machine frame allocator that translation tables
// consume: a fixed range of frames, each with an owner and a reference
// count.
//
// A frame is returned to the free list only once its allocation has been
// released with Free and its last reference has been dropped, so a frame
// can never be reused while a mapping still points at it.
package frame

import (
	"fmt"

	"github.com/google/btree"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/sync"
)

// PageShift is the log2 of the frame size.
const PageShift = 12

// Owner identifies the domain a frame belongs to.
type Owner uint16

// Special owners.
const (
	// DomIO owns device memory.
	DomIO Owner = 0x7ff1

	// DomXen owns hypervisor memory, translation tables included.
	DomXen Owner = 0x7ff2

	// NoOwner marks a free frame.
	NoOwner Owner = 0x7ff4
)

// String implements fmt.Stringer.
func (o Owner) String() string {
	switch o {
	case DomIO:
		return "dom_io"
	case DomXen:
		return "dom_xen"
	case NoOwner:
		return "none"
	default:
		return fmt.Sprintf("d%d", uint16(o))
	}
}

type state uint8

const (
	stateFree state = iota
	stateAllocated
	// stateReleased frames have been freed by their owner but are still
	// referenced.
	stateReleased
)

type info struct {
	owner Owner
	state state
	refs  int64
}

// extent is a run of free frames.
type extent struct {
	start uint64
	count uint64
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// Stats summarizes the pool.
type Stats struct {
	Total     uint64
	Free      uint64
	Allocated uint64
	Released  uint64
	Refs      int64
}

// Pool is a fixed range of machine frames.
type Pool struct {
	base  uint64
	count uint64

	mu     sync.Mutex
	frames []info
	free   *btree.BTreeG[extent]
	nfree  uint64
}

// NewPool returns a pool of count frames starting at base, all free.
func NewPool(base, count uint64) *Pool {
	p := &Pool{
		base:   base,
		count:  count,
		frames: make([]info, count),
		free:   btree.NewG(8, extentLess),
		nfree:  count,
	}
	for i := range p.frames {
		p.frames[i].owner = NoOwner
	}
	if count > 0 {
		p.free.ReplaceOrInsert(extent{start: base, count: count})
	}
	return p
}

// Valid returns true if mfn belongs to the pool.
func (p *Pool) Valid(mfn uint64) bool {
	return mfn >= p.base && mfn-p.base < p.count
}

// MachineAddress returns the machine address of mfn.
func (p *Pool) MachineAddress(mfn uint64) uint64 {
	return mfn << PageShift
}

// Range returns the first frame and the number of frames in the pool.
func (p *Pool) Range() (uint64, uint64) {
	return p.base, p.count
}

// Alloc allocates one frame for owner.
func (p *Pool) Alloc(owner Owner) (uint64, error) {
	return p.AllocContiguous(owner, 0)
}

// AllocContiguous allocates 1<<order contiguous frames aligned to their
// size and returns the first. It fails with ENOMEM if no such run is free.
func (p *Pool) AllocContiguous(owner Owner, order int) (uint64, error) {
	if order < 0 || order > 18 {
		return 0, fmt.Errorf("allocation order %d: %w", order, linuxerr.EINVAL)
	}
	n := uint64(1) << order

	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		found bool
		from  extent
		start uint64
	)
	p.free.Ascend(func(e extent) bool {
		s := (e.start + n - 1) &^ (n - 1)
		if s >= e.start && s+n <= e.start+e.count {
			found, from, start = true, e, s
			return false
		}
		return true
	})
	if !found {
		return 0, fmt.Errorf("%d free frames, no aligned run of %d: %w", p.nfree, n, linuxerr.ENOMEM)
	}

	p.free.Delete(from)
	if start > from.start {
		p.free.ReplaceOrInsert(extent{start: from.start, count: start - from.start})
	}
	if end, fromEnd := start+n, from.start+from.count; end < fromEnd {
		p.free.ReplaceOrInsert(extent{start: end, count: fromEnd - end})
	}
	for mfn := start; mfn < start+n; mfn++ {
		p.frames[mfn-p.base] = info{owner: owner, state: stateAllocated}
	}
	p.nfree -= n
	return start, nil
}

// AllocAt allocates the specific frame mfn for owner. It fails with EBUSY if
// the frame is in use.
func (p *Pool) AllocAt(mfn uint64, owner Owner) error {
	if !p.Valid(mfn) {
		return fmt.Errorf("frame %#x outside pool: %w", mfn, linuxerr.EINVAL)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		from  extent
		found bool
	)
	p.free.DescendLessOrEqual(extent{start: mfn}, func(e extent) bool {
		from, found = e, true
		return false
	})
	if !found || from.start+from.count <= mfn {
		return fmt.Errorf("frame %#x: %w", mfn, linuxerr.EBUSY)
	}
	p.free.Delete(from)
	if mfn > from.start {
		p.free.ReplaceOrInsert(extent{start: from.start, count: mfn - from.start})
	}
	if end := from.start + from.count; mfn+1 < end {
		p.free.ReplaceOrInsert(extent{start: mfn + 1, count: end - mfn - 1})
	}
	p.frames[mfn-p.base] = info{owner: owner, state: stateAllocated}
	p.nfree--
	return nil
}

// Free releases the allocation of mfn. The frame returns to the free list
// when its last reference is dropped, or immediately if it has none.
//
// Freeing a frame that is not allocated is fatal.
func (p *Pool) Free(mfn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fi := p.infoLocked(mfn)
	if fi.state != stateAllocated {
		p.fatalLocked("double free of frame %#x (owner %v, state %d, refs %d)", mfn, fi.owner, fi.state, fi.refs)
	}
	if fi.refs > 0 {
		fi.state = stateReleased
		return
	}
	p.releaseLocked(mfn)
}

// TakeRef takes a reference on mfn on behalf of a mapping. It fails if the
// frame is not allocated to owner.
func (p *Pool) TakeRef(mfn uint64, owner Owner) bool {
	if !p.Valid(mfn) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fi := &p.frames[mfn-p.base]
	if fi.state != stateAllocated || fi.owner != owner {
		return false
	}
	fi.refs++
	return true
}

// DropRef drops a reference taken by TakeRef. Dropping a reference that was
// never taken is fatal.
func (p *Pool) DropRef(mfn uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fi := p.infoLocked(mfn)
	if fi.refs <= 0 {
		p.fatalLocked("reference count underflow on frame %#x (owner %v)", mfn, fi.owner)
	}
	fi.refs--
	if fi.refs == 0 && fi.state == stateReleased {
		p.releaseLocked(mfn)
	}
}

// Owner returns the owner of an allocated frame.
func (p *Pool) Owner(mfn uint64) (Owner, bool) {
	if !p.Valid(mfn) {
		return NoOwner, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fi := p.frames[mfn-p.base]
	return fi.owner, fi.state != stateFree
}

// RefCount returns the number of references held on mfn.
func (p *Pool) RefCount(mfn uint64) int64 {
	if !p.Valid(mfn) {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[mfn-p.base].refs
}

// Allocated returns true if mfn is allocated and not yet released.
func (p *Pool) Allocated(mfn uint64) bool {
	if !p.Valid(mfn) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[mfn-p.base].state == stateAllocated
}

// FreeCount returns the number of free frames.
func (p *Pool) FreeCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// Stats returns a summary of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Total: p.count, Free: p.nfree}
	for _, fi := range p.frames {
		switch fi.state {
		case stateAllocated:
			s.Allocated++
		case stateReleased:
			s.Released++
		}
		s.Refs += fi.refs
	}
	return s
}

func (p *Pool) infoLocked(mfn uint64) *info {
	if !p.Valid(mfn) {
		p.fatalLocked("frame %#x outside pool [%#x, %#x)", mfn, p.base, p.base+p.count)
	}
	return &p.frames[mfn-p.base]
}

// releaseLocked puts mfn back on the free list, merging with its neighbours.
func (p *Pool) releaseLocked(mfn uint64) {
	p.frames[mfn-p.base] = info{owner: NoOwner, state: stateFree}
	e := extent{start: mfn, count: 1}
	var (
		prev    extent
		hasPrev bool
	)
	p.free.DescendLessOrEqual(extent{start: mfn}, func(x extent) bool {
		prev, hasPrev = x, true
		return false
	})
	if hasPrev && prev.start+prev.count == mfn {
		p.free.Delete(prev)
		e = extent{start: prev.start, count: prev.count + 1}
	}
	if next, ok := p.free.Get(extent{start: mfn + 1}); ok {
		p.free.Delete(next)
		e.count += next.count
	}
	p.free.ReplaceOrInsert(e)
	p.nfree++
}

func (p *Pool) fatalLocked(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("frame pool invariant violated: %s; pool state: %+v", msg, p.statsLocked())
	panic(msg)
}
