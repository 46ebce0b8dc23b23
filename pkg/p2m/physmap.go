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
	"sync/atomic"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/trace"
)

// maxOrder is the largest extent accepted by the physmap operations.
const maxOrder = 18

func checkOrder(order int) error {
	if order < 0 || order > maxOrder {
		return fmt.Errorf("order %d out of range [0, %d]: %w", order, maxOrder, linuxerr.EINVAL)
	}
	return nil
}

// GuestPhysmapAddEntry maps the 1<<order frames at mfn to gfn with type t.
//
// Unlike MapRange the operation is all or nothing: if the tables cannot be
// grown, the part already mapped is removed again.
func (d *Domain) GuestPhysmapAddEntry(gfn, mfn uint64, order int, t p2mt.Type) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	if err := checkGFN(gfn, 1<<order, d.limit()); err != nil {
		return err
	}
	r := PageRange(gfn, 1<<order)
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.mapLocked(r, mfn, t, p2mt.DefaultPerm(t))
	if err == nil {
		return nil
	}
	if n > 0 {
		d.shrink.Lock()
		b := d.newBatch()
		done := PageRange(gfn, n)
		if _, uerr := d.unmapLocked(b, done, nil); uerr != nil {
			// Only mapped pages are removed and nothing is split, so
			// this cannot fail.
			panic(fmt.Sprintf("unwinding %v: %v", done, uerr))
		}
		d.commitLocked(b, done)
		d.shrink.Unlock()
	}
	return err
}

// GuestPhysmapAddPage maps the 1<<order frames at mfn to gfn as RAM.
func (d *Domain) GuestPhysmapAddPage(gfn, mfn uint64, order int) error {
	return d.GuestPhysmapAddEntry(gfn, mfn, order, p2mt.RAMRW)
}

// GuestPhysmapRemovePage unmaps the 1<<order pages at gfn that still point
// at the corresponding frames starting at mfn. Pages mapped elsewhere are
// left alone. Device mappings cannot be removed this way: if the range
// holds any, nothing is removed and EPERM is returned.
func (d *Domain) GuestPhysmapRemovePage(gfn, mfn uint64, order int) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	if err := checkGFN(gfn, 1<<order, d.limit()); err != nil {
		return err
	}
	r := PageRange(gfn, 1<<order)
	if err := r.check(d.limit()); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.EBUSY)
	}

	var (
		runs []GPARange
		mmio bool
	)
	d.pt.Iterate(r.Start, r.End, func(l pagetables.Leaf) bool {
		if l.Type == p2mt.MMIODirect {
			mmio = true
			return false
		}
		s, e := max(l.Addr, r.Start), min(l.Addr+l.Size(), r.End)
		if l.FrameFor(s) != mfn+(s-r.Start)>>pte.PageShift {
			return true
		}
		if last := len(runs) - 1; last >= 0 && runs[last].End == s {
			runs[last].End = e
		} else {
			runs = append(runs, GPARange{Start: s, End: e})
		}
		return true
	})
	if mmio {
		return fmt.Errorf("removing %v: range holds device mappings: %w", r, linuxerr.EPERM)
	}
	if len(runs) == 0 {
		return nil
	}

	d.shrink.Lock()
	defer d.shrink.Unlock()
	b := d.newBatch()
	var (
		removed uint64
		err     error
	)
	for _, run := range runs {
		n, uerr := d.unmapLocked(b, run, nil)
		removed += n
		if uerr != nil {
			err = fmt.Errorf("removing %v after %d pages: %w", run, n, uerr)
			break
		}
	}
	d.commitLocked(b, r)
	d.emit(trace.Event{Kind: trace.Unmap, GFN: r.GFN(), Pages: removed, Err: err})
	return err
}

// GMFNToMFN returns the frame backing guest RAM page gfn.
func (d *Domain) GMFNToMFN(gfn uint64) (uint64, error) {
	if err := checkGFN(gfn, 1, d.limit()); err != nil {
		return 0, err
	}
	mfn, t, err := d.Lookup(gfn << pte.PageShift)
	if err != nil {
		return 0, err
	}
	if !t.IsRAM() {
		return 0, fmt.Errorf("gfn %#x is %v, not RAM: %w", gfn, t, linuxerr.ENOENT)
	}
	return mfn, nil
}

// Query selects what GetPageFromGFN does with reserved pages.
type Query uint8

const (
	// QueryOnly never allocates.
	QueryOnly Query = iota

	// QueryAlloc backs a reserved page before returning it.
	QueryAlloc
)

// PageRef is a temporary reference on a mapped page. It must be released
// with Put on every path.
type PageRef struct {
	pool  *frame.Pool
	mfn   uint64
	owner frame.Owner
	put   atomic.Bool
}

// MFN returns the referenced frame.
func (r *PageRef) MFN() uint64 {
	return r.mfn
}

// Owner returns the domain the frame is allocated to.
func (r *PageRef) Owner() frame.Owner {
	return r.owner
}

// Put releases the reference. Releasing it twice is fatal.
func (r *PageRef) Put() {
	if r.put.Swap(true) {
		log.Warningf("second release of page reference on frame %#x (owner %v)", r.mfn, r.owner)
		panic(fmt.Sprintf("page reference on frame %#x released twice", r.mfn))
	}
	r.pool.DropRef(r.mfn)
}

// GetPageFromGFN takes a temporary reference on the page mapped at gfn and
// returns it with the mapping type.
//
// Only RAM and foreign pages can be referenced. The reference on a foreign
// page is taken on behalf of the domain that owns it. For any other type
// the type is returned with a nil reference and ENOENT.
func (d *Domain) GetPageFromGFN(gfn uint64, q Query) (*PageRef, p2mt.Type, error) {
	if err := checkGFN(gfn, 1, d.limit()); err != nil {
		return nil, p2mt.Invalid, err
	}
	if q == QueryAlloc {
		d.mu.Lock()
		var err error
		if d.podContains(gfn) && d.checkMutableLocked() == nil {
			err = d.podPopulateLocked(gfn)
		}
		d.mu.Unlock()
		if err != nil {
			return nil, p2mt.Invalid, err
		}
	}

	d.shrink.RLock()
	defer d.shrink.RUnlock()
	if d.State() == Destroyed {
		return nil, p2mt.Invalid, fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.ENOENT)
	}
	gpa := gfn << pte.PageShift
	l, ok := d.pt.Lookup(gpa)
	if !ok {
		return nil, p2mt.Invalid, fmt.Errorf("gfn %#x: %w", gfn, linuxerr.ENOENT)
	}
	if !l.Type.IsRAM() && !l.Type.IsForeign() {
		return nil, l.Type, fmt.Errorf("gfn %#x is %v: %w", gfn, l.Type, linuxerr.ENOENT)
	}
	mfn := l.FrameFor(gpa)
	owner := d.owner
	if l.Type.IsForeign() {
		owner, _ = d.pool().Owner(mfn)
	}
	if !d.pool().TakeRef(mfn, owner) {
		return nil, l.Type, fmt.Errorf("gfn %#x: frame %#x is being freed: %w", gfn, mfn, linuxerr.ENOENT)
	}
	return &PageRef{pool: d.pool(), mfn: mfn, owner: owner}, l.Type, nil
}
