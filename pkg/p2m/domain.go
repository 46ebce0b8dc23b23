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
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/google/btree"

	"xlat.dev/xlat/pkg/cleanup"
	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/sync"
	"xlat.dev/xlat/pkg/tlb"
	"xlat.dev/xlat/pkg/trace"
)

// State is the lifecycle state of a domain.
type State uint32

// Domain states, in the order they are entered.
const (
	// Allocated means the root exists and a tag is leased.
	Allocated State = iota

	// Populated means at least one mapping was installed.
	Populated

	// TearingDown means teardown has started. No new mappings are
	// accepted.
	TearingDown

	// Destroyed means the tables are freed and the tag released.
	Destroyed
)

var stateNames = [...]string{
	Allocated:   "allocated",
	Populated:   "populated",
	TearingDown: "tearing-down",
	Destroyed:   "destroyed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// noGFN is the low watermark of a domain with nothing mapped.
const noGFN = math.MaxUint64

// frameRun is a run of consecutive machine frames.
type frameRun struct {
	mfn   uint64
	count uint64
}

// Domain is the translation of one virtual machine.
type Domain struct {
	m     *Manager
	id    tlb.ContextID
	owner frame.Owner

	// warn prefixes guest-triggerable messages with the domain.
	warn log.Logger

	// mu serializes every change to the tree and protects the fields
	// below.
	mu sync.Mutex

	// shrink is held for writing while leaves are removed or tables are
	// freed, and for reading by lookups. Lookups may run concurrently with
	// mappings being added.
	shrink sync.RWMutex

	// state is written with both locks held.
	state atomic.Uint32

	pt     *pagetables.PageTables
	tables *tableSource

	// maxMappedGFN only grows. lowestMappedGFN only shrinks, except during
	// teardown where it tracks progress.
	maxMappedGFN    uint64
	lowestMappedGFN uint64

	// sweep is where teardown resumes looking for untracked leaves once
	// the watermark window is empty.
	sweep uint64

	// pod holds the reserved but unbacked ranges.
	pod      *btree.BTreeG[podRange]
	podPages uint64

	// owned holds the frames allocated to back this domain's RAM.
	owned map[uint64]struct{}

	// pages counts mapped pages by type.
	pages map[p2mt.Type]uint64

	// puts are references to drop once the current flush completes.
	puts []frameRun

	// cpus are the cores that loaded the root.
	cpus tlb.CPUSet
}

// NewDomain allocates the root tables and leases a context tag. It fails
// with EAGAIN if no tag is free and ENOMEM if the root cannot be
// allocated.
func (m *Manager) NewDomain() (*Domain, error) {
	owner, err := m.newOwner()
	if err != nil {
		return nil, err
	}
	id, err := m.ids.Acquire()
	if err != nil {
		return nil, fmt.Errorf("leasing context tag: %w", err)
	}
	cu := cleanup.Make(func() { m.ids.Release(id) })
	defer cu.Clean()

	src := &tableSource{pool: m.cfg.Frames}
	pt, err := pagetables.New(pagetables.NewRuntimeAllocator(src), m.layout, pagetables.Opts{Barrier: m.inv.WriteBarrier})
	if err != nil {
		return nil, fmt.Errorf("allocating root tables: %w", err)
	}
	cu.Release()

	d := &Domain{
		m:               m,
		id:              id,
		owner:           owner,
		pt:              pt,
		tables:          src,
		lowestMappedGFN: noGFN,
		pod:             btree.NewG(8, podLess),
		owned:           make(map[uint64]struct{}),
		pages:           make(map[p2mt.Type]uint64),
		warn:            log.Prefixed(m.warn, fmt.Sprintf("Domain %v: ", owner)),
	}
	m.register(d)
	log.Debugf("Domain %v: context %d, root %#x", owner, id, pt.RootFrame())
	return d, nil
}

// ID returns the leased context tag.
func (d *Domain) ID() tlb.ContextID {
	return d.id
}

// Owner returns the identity frames of this domain are allocated to.
func (d *Domain) Owner() frame.Owner {
	return d.owner
}

// State returns the lifecycle state.
func (d *Domain) State() State {
	return State(d.state.Load())
}

func (d *Domain) setState(s State) {
	d.state.Store(uint32(s))
}

func (d *Domain) limit() uint64 {
	return d.m.layout.Limit()
}

func (d *Domain) pool() *frame.Pool {
	return d.m.cfg.Frames
}

func (d *Domain) emit(e trace.Event) {
	e.Domain = uint16(d.id)
	d.m.sink.Event(e)
}

// checkMutableLocked returns EBUSY once teardown has started.
func (d *Domain) checkMutableLocked() error {
	if s := d.State(); s >= TearingDown {
		return fmt.Errorf("domain %v is %v: %w", d.owner, s, linuxerr.EBUSY)
	}
	return nil
}

func (d *Domain) newBatch() *tlb.Batch {
	return d.m.inv.NewBatch(d.id, &d.cpus)
}

// deferPut records the references held by a leaf that is going away.
func (d *Domain) deferPut(level int, old pte.Decoded) {
	n := pte.LevelPages(level)
	d.pages[old.Type] -= n
	if old.Type.Refcounted() {
		d.puts = append(d.puts, frameRun{mfn: old.Frame, count: n})
	}
}

// commitLocked completes a change to [r.Start, r.End): translations are
// invalidated, then the references of removed leaves are dropped and
// removed tables freed.
func (d *Domain) commitLocked(b *tlb.Batch, r GPARange) {
	if len(d.tables.pending) > 0 {
		// Walk caches may hold freed tables.
		b.Add(r.Start, r.Len())
	}
	b.Flush()
	d.settleLocked()
}

// settleLocked drops deferred references and frees deferred tables. The
// caller must have invalidated every translation through them.
func (d *Domain) settleLocked() {
	pool := d.pool()
	for _, run := range d.puts {
		for i := uint64(0); i < run.count; i++ {
			pool.DropRef(run.mfn + i)
		}
	}
	d.puts = d.puts[:0]
	d.tables.release()
}

// refOwner returns the identity whose references leaves of type t on
// [mfn, mfn+pages) take, and validates the frames.
func (d *Domain) refOwner(mfn, pages uint64, t p2mt.Type) (frame.Owner, error) {
	pool := d.pool()
	switch {
	case t.IsRAM():
		return d.owner, nil
	case t.IsForeign():
		owner, ok := pool.Owner(mfn)
		if !ok {
			return 0, fmt.Errorf("foreign frame %#x not allocated: %w", mfn, linuxerr.EINVAL)
		}
		if owner == d.owner || owner >= frame.DomIO {
			return 0, fmt.Errorf("frame %#x owned by %v is not foreign to %v: %w", mfn, owner, d.owner, linuxerr.EINVAL)
		}
		return owner, nil
	case t.IsGrant():
		if !pool.Valid(mfn) || !pool.Valid(mfn+pages-1) {
			return 0, fmt.Errorf("granted frames [%#x, %#x) not in the pool: %w", mfn, mfn+pages, linuxerr.EINVAL)
		}
		return frame.NoOwner, nil
	case t == p2mt.MMIODirect:
		return frame.NoOwner, nil
	default:
		return 0, fmt.Errorf("cannot map type %v: %w", t, linuxerr.EINVAL)
	}
}

// takeRefs takes one reference per frame of [mfn, mfn+pages), taking all or
// none.
func (d *Domain) takeRefs(mfn, pages uint64, owner frame.Owner) error {
	pool := d.pool()
	for i := uint64(0); i < pages; i++ {
		if !pool.TakeRef(mfn+i, owner) {
			d.dropRefs(mfn, i)
			return fmt.Errorf("frame %#x not allocated to %v: %w", mfn+i, owner, linuxerr.EINVAL)
		}
	}
	return nil
}

func (d *Domain) dropRefs(mfn, pages uint64) {
	pool := d.pool()
	for i := uint64(0); i < pages; i++ {
		pool.DropRef(mfn + i)
	}
}

// mapLocked installs leaves for r pointing at frames starting at mfn and
// returns the number of pages mapped. On failure a prefix of r may be
// mapped; it is left in place.
func (d *Domain) mapLocked(r GPARange, mfn uint64, t p2mt.Type, perm p2mt.Perm) (uint64, error) {
	if err := d.checkMutableLocked(); err != nil {
		return 0, err
	}
	if err := r.check(d.limit()); err != nil {
		return 0, err
	}
	pages := r.Pages()
	if pages == 0 {
		return 0, nil
	}
	format := d.m.layout.Format
	if _, err := pte.Encode(format, 0, mfn, t, perm); err != nil {
		return 0, fmt.Errorf("%w: %v", linuxerr.EINVAL, err)
	}
	if _, err := pte.Encode(format, 0, mfn+pages-1, t, perm); err != nil || mfn+pages-1 < mfn {
		return 0, fmt.Errorf("frames [%#x, %#x) beyond %v limit: %w", mfn, mfn+pages, format, linuxerr.EINVAL)
	}
	owner, err := d.refOwner(mfn, pages, t)
	if err != nil {
		return 0, err
	}
	if t.Refcounted() {
		if err := d.takeRefs(mfn, pages, owner); err != nil {
			return 0, err
		}
	}

	b := d.newBatch()
	n, err := d.pt.Map(r.Start, r.Len(), mfn, t, perm, func(addr uint64, level int, old pte.Decoded) {
		d.deferPut(level, old)
		b.Add(addr, pte.LevelSize(level))
	})
	done := n >> pte.PageShift
	if t.Refcounted() && done < pages {
		d.dropRefs(mfn+done, pages-done)
	}
	if done > 0 {
		d.pages[t] += done
		d.track(r.GFN(), done, t)
		if d.State() == Allocated {
			d.setState(Populated)
		}
	}
	d.commitLocked(b, r)
	d.emit(trace.Event{Kind: trace.Map, GFN: r.GFN(), Pages: done, Type: t, Err: err})
	if err != nil {
		return done, fmt.Errorf("mapping %v after %d pages: %w", r, done, err)
	}
	return done, nil
}

// track moves the watermarks to cover a new mapping.
func (d *Domain) track(gfn, pages uint64, t p2mt.Type) {
	if !t.Tracked() {
		return
	}
	d.maxMappedGFN = max(d.maxMappedGFN, gfn+pages-1)
	d.lowestMappedGFN = min(d.lowestMappedGFN, gfn)
}

// unmapLocked removes the leaves of r, adding the invalidations needed to b.
// fn, if set, sees every removed leaf. The caller must hold shrink and call
// commitLocked.
func (d *Domain) unmapLocked(b *tlb.Batch, r GPARange, fn pagetables.MapFunc) (uint64, error) {
	n, err := d.pt.Unmap(r.Start, r.Len(), func(addr uint64, level int, old pte.Decoded) {
		d.deferPut(level, old)
		b.Add(addr, pte.LevelSize(level))
		if fn != nil {
			fn(addr, level, old)
		}
	})
	return n >> pte.PageShift, err
}

// MapRange maps r to consecutive machine frames starting at mfn, with the
// default permissions of t.
//
// RAM and foreign mappings take a reference on each frame, so the frames
// must be allocated: to this domain for RAM, to another domain for
// foreign mappings. Leaves already present are replaced.
//
// On ENOMEM a prefix of r stays mapped, reported by the Result. The caller
// unmaps it or retries the remainder.
func (d *Domain) MapRange(r GPARange, mfn uint64, t p2mt.Type) (Result, error) {
	return d.MapRangePerm(r, mfn, t, p2mt.DefaultPerm(t))
}

// MapRangePerm is MapRange with explicit permissions.
func (d *Domain) MapRangePerm(r GPARange, mfn uint64, t p2mt.Type, perm p2mt.Perm) (Result, error) {
	res := Result{Requested: r.Pages()}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.mapLocked(r, mfn, t, perm)
	res.Done = n
	return res, err
}

// UnmapRange removes every leaf in r. Holes are skipped.
//
// Unmap only fails if a block straddling the edge of r cannot be split.
func (d *Domain) UnmapRange(r GPARange) (Result, error) {
	res := Result{Requested: r.Pages()}
	if err := r.check(d.limit()); err != nil {
		return res, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return res, fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.EBUSY)
	}
	d.shrink.Lock()
	defer d.shrink.Unlock()

	b := d.newBatch()
	n, err := d.unmapLocked(b, r, nil)
	d.commitLocked(b, r)
	res.Done = n
	d.emit(trace.Event{Kind: trace.Unmap, GFN: r.GFN(), Pages: n, Err: err})
	if err != nil {
		return res, fmt.Errorf("unmapping %v after %d pages: %w", r, n, err)
	}
	return res, nil
}

// MapMMIO maps r onto the device region starting at machine address maddr.
func (d *Domain) MapMMIO(r GPARange, maddr uint64) (Result, error) {
	if maddr&(pte.PageSize-1) != 0 {
		return Result{Requested: r.Pages()}, fmt.Errorf("device address %#x not page aligned: %w", maddr, linuxerr.EINVAL)
	}
	return d.MapRange(r, maddr>>pte.PageShift, p2mt.MMIODirect)
}

// maxPopulateOrder is the largest run PopulateRAM allocates at once.
const maxPopulateOrder = pte.EntryShift

// PopulateRAM backs r with newly allocated frames mapped read/write. Frames
// are allocated in the largest aligned runs the range allows, so that
// blocks can be used.
//
// On failure the populated prefix is reported by the Result and stays in
// place.
func (d *Domain) PopulateRAM(r GPARange) (Result, error) {
	res := Result{Requested: r.Pages()}
	if err := r.check(d.limit()); err != nil {
		return res, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutableLocked(); err != nil {
		return res, err
	}

	pool := d.pool()
	gfn, end := r.GFN(), r.End>>pte.PageShift
	for gfn < end {
		order := min(bits.TrailingZeros64(gfn), bits.Len64(end-gfn)-1, maxPopulateOrder)
		var (
			mfn uint64
			err error
		)
		for ; order >= 0; order-- {
			if mfn, err = pool.AllocContiguous(d.owner, order); err == nil {
				break
			}
		}
		if err != nil {
			d.emit(trace.Event{Kind: trace.Populate, GFN: r.GFN(), Pages: res.Done, Type: p2mt.RAMRW, Err: err})
			return res, fmt.Errorf("populating %v after %d pages: %w", r, res.Done, err)
		}
		count := uint64(1) << order
		for i := uint64(0); i < count; i++ {
			d.owned[mfn+i] = struct{}{}
		}
		chunk := PageRange(gfn, count)
		n, err := d.mapLocked(chunk, mfn, p2mt.RAMRW, p2mt.DefaultPerm(p2mt.RAMRW))
		d.podRemove(gfn, gfn+n)
		res.Done += n
		if err != nil {
			d.freeOwned(mfn+n, count-n)
			d.emit(trace.Event{Kind: trace.Populate, GFN: r.GFN(), Pages: res.Done, Type: p2mt.RAMRW, Err: err})
			return res, fmt.Errorf("populating %v after %d pages: %w", r, res.Done, err)
		}
		gfn += count
	}
	d.emit(trace.Event{Kind: trace.Populate, GFN: r.GFN(), Pages: res.Done, Type: p2mt.RAMRW})
	return res, nil
}

// freeOwned returns frames allocated to back this domain to the pool.
func (d *Domain) freeOwned(mfn, count uint64) {
	pool := d.pool()
	for i := uint64(0); i < count; i++ {
		delete(d.owned, mfn+i)
		pool.Free(mfn + i)
	}
}

// RemoveRAM unmaps the 1<<order pages at gfn and returns the frames backing
// them, if this domain allocated them, to the pool. Reservations in the
// range are dropped.
func (d *Domain) RemoveRAM(gfn uint64, order int) (Result, error) {
	if order < 0 || order > maxOrder {
		return Result{}, fmt.Errorf("order %d: %w", order, linuxerr.EINVAL)
	}
	if err := checkGFN(gfn, 1<<order, d.limit()); err != nil {
		return Result{Requested: 1 << order}, err
	}
	r := PageRange(gfn, 1<<order)
	res := Result{Requested: r.Pages()}
	if err := r.check(d.limit()); err != nil {
		return res, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return res, fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.EBUSY)
	}
	d.shrink.Lock()
	defer d.shrink.Unlock()

	d.podRemove(r.GFN(), r.End>>pte.PageShift)
	var release []frameRun
	b := d.newBatch()
	n, err := d.unmapLocked(b, r, func(addr uint64, level int, old pte.Decoded) {
		if old.Type.Freeable() {
			release = append(release, frameRun{mfn: old.Frame, count: pte.LevelPages(level)})
		}
	})
	d.commitLocked(b, r)
	d.releaseOwned(release)
	res.Done = n
	d.emit(trace.Event{Kind: trace.Unmap, GFN: r.GFN(), Pages: n, Type: p2mt.RAMRW, Err: err})
	if err != nil {
		return res, fmt.Errorf("removing %v after %d pages: %w", r, n, err)
	}
	return res, nil
}

// Lookup returns the machine frame and type mapped at gpa, or ENOENT.
//
// Lookup may run concurrently with anything; it waits only for removals.
func (d *Domain) Lookup(gpa uint64) (uint64, p2mt.Type, error) {
	d.shrink.RLock()
	defer d.shrink.RUnlock()
	if d.State() == Destroyed {
		return 0, p2mt.Invalid, fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.ENOENT)
	}
	l, ok := d.pt.Lookup(gpa)
	if !ok {
		return 0, p2mt.Invalid, fmt.Errorf("guest-physical address %#x: %w", gpa, linuxerr.ENOENT)
	}
	return l.FrameFor(gpa), l.Type, nil
}

// tableSource allocates table frames from the pool. Frees are held until
// the domain has invalidated every walk that may still reach them.
type tableSource struct {
	pool    *frame.Pool
	pending []uint64
}

// AllocTables implements pagetables.FrameSource.AllocTables.
func (s *tableSource) AllocTables(n int) (uint64, error) {
	order := bits.Len(uint(n)) - 1
	if n <= 0 || n != 1<<order {
		return 0, fmt.Errorf("%d contiguous tables: %w", n, linuxerr.EINVAL)
	}
	return s.pool.AllocContiguous(frame.DomXen, order)
}

// FreeTable implements pagetables.FrameSource.FreeTable.
func (s *tableSource) FreeTable(mfn uint64) {
	s.pending = append(s.pending, mfn)
}

func (s *tableSource) release() {
	for _, mfn := range s.pending {
		s.pool.Free(mfn)
	}
	s.pending = s.pending[:0]
}
