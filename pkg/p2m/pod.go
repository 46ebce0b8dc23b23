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
	"xlat.dev/xlat/pkg/trace"
)

// podRange is a run of reserved guest frames.
type podRange struct {
	start uint64
	count uint64
}

func (r podRange) end() uint64 {
	return r.start + r.count
}

func podLess(a, b podRange) bool {
	return a.start < b.start
}

// podOverlapping returns the reserved runs intersecting [start, end).
func (d *Domain) podOverlapping(start, end uint64) []podRange {
	var rs []podRange
	d.pod.DescendLessOrEqual(podRange{start: start}, func(r podRange) bool {
		if r.end() > start {
			rs = append(rs, r)
		}
		return false
	})
	d.pod.AscendRange(podRange{start: start + 1}, podRange{start: end}, func(r podRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

func (d *Domain) podContains(gfn uint64) bool {
	return len(d.podOverlapping(gfn, gfn+1)) > 0
}

// podRemove drops the reservation of [start, end) and returns the number of
// pages that were reserved.
func (d *Domain) podRemove(start, end uint64) uint64 {
	if start >= end {
		return 0
	}
	var removed uint64
	for _, r := range d.podOverlapping(start, end) {
		d.pod.Delete(r)
		if r.start < start {
			d.pod.ReplaceOrInsert(podRange{start: r.start, count: start - r.start})
		}
		if r.end() > end {
			d.pod.ReplaceOrInsert(podRange{start: end, count: r.end() - end})
		}
		removed += min(r.end(), end) - max(r.start, start)
	}
	d.podPages -= removed
	return removed
}

// mappedLocked returns true if any leaf intersects r.
func (d *Domain) mappedLocked(r GPARange) bool {
	mapped := false
	d.pt.Iterate(r.Start, r.End, func(pagetables.Leaf) bool {
		mapped = true
		return false
	})
	return mapped
}

// MarkPoD reserves r for populate-on-demand. No frames are allocated; each
// page is backed on first access by HandleFault.
//
// The range must be unmapped and must not overlap an existing reservation,
// otherwise EEXIST is returned.
func (d *Domain) MarkPoD(r GPARange) error {
	if err := r.check(d.limit()); err != nil {
		return err
	}
	if r.Pages() == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutableLocked(); err != nil {
		return err
	}
	start, end := r.GFN(), r.End>>pte.PageShift
	if len(d.podOverlapping(start, end)) > 0 {
		return fmt.Errorf("range %v overlaps a reservation: %w", r, linuxerr.EEXIST)
	}
	if d.mappedLocked(r) {
		return fmt.Errorf("range %v is mapped: %w", r, linuxerr.EEXIST)
	}
	d.pod.ReplaceOrInsert(podRange{start: start, count: end - start})
	d.podPages += end - start
	return nil
}

// podPopulateLocked backs reserved page gfn.
func (d *Domain) podPopulateLocked(gfn uint64) error {
	mfn, err := d.pool().Alloc(d.owner)
	if err != nil {
		d.warn.Warningf("cannot back reserved gfn %#x: %v", gfn, err)
		d.emit(trace.Event{Kind: trace.PoDFault, GFN: gfn, Pages: 1, Type: p2mt.RAMRW, Err: err})
		return fmt.Errorf("backing reserved gfn %#x: %w", gfn, err)
	}
	d.owned[mfn] = struct{}{}
	if _, err := d.mapLocked(PageRange(gfn, 1), mfn, p2mt.RAMRW, p2mt.DefaultPerm(p2mt.RAMRW)); err != nil {
		d.freeOwned(mfn, 1)
		d.emit(trace.Event{Kind: trace.PoDFault, GFN: gfn, Pages: 1, Type: p2mt.RAMRW, Err: err})
		return fmt.Errorf("backing reserved gfn %#x: %w", gfn, err)
	}
	d.podRemove(gfn, gfn+1)
	d.emit(trace.Event{Kind: trace.PoDFault, GFN: gfn, Pages: 1, Type: p2mt.RAMRW})
	return nil
}

// HandleFault resolves a stage-2 fault at gpa. A reserved page is backed
// and mapped before returning nil. Otherwise the fault is decoded against
// the current tables: nil means it was spurious, and a *fault.Fault is
// returned for a genuine one.
func (d *Domain) HandleFault(gpa uint64, access p2mt.Perm) error {
	gfn := gpa >> pte.PageShift
	d.mu.Lock()
	if d.podContains(gfn) {
		err := d.checkMutableLocked()
		if err == nil {
			err = d.podPopulateLocked(gfn)
		}
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if _, err := d.Translate(gpa, access); err != nil {
		d.warn.Debugf("unresolved fault: %v", err)
		d.emit(trace.Event{Kind: trace.Fault, GFN: gfn, Pages: 1, Err: err})
		return err
	}
	return nil
}

// DecreaseReservation releases the 1<<order pages at gfn if they are still
// reserved and unbacked. It returns true if nothing else is left to do for
// the range; no frame is freed in that case. Otherwise the reserved part is
// dropped and the caller must release the backed part with RemoveRAM.
func (d *Domain) DecreaseReservation(gfn uint64, order int) bool {
	if checkOrder(order) != nil || checkGFN(gfn, 1<<order, d.limit()) != nil {
		return false
	}
	r := PageRange(gfn, 1<<order)
	if r.check(d.limit()) != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return false
	}
	start, end := r.GFN(), r.End>>pte.PageShift
	if len(d.podOverlapping(start, end)) == 0 {
		return false
	}
	released := d.podRemove(start, end)
	d.emit(trace.Event{Kind: trace.PoDRelease, GFN: start, Pages: released, Type: p2mt.RAMRW})
	return !d.mappedLocked(r)
}
