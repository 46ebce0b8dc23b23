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
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/trace"
)

// TeardownStep releases up to the configured batch of mappings and returns
// true once the domain is destroyed. Call it until it returns true; every
// call holds the domain lock for a bounded time, and progress is kept
// between calls.
//
// Tracked mappings go first, from the lowest mapped guest frame up. The
// rest of the address space is then swept from the bottom for the leaves
// the watermarks do not cover, such as device mappings. The final step
// frees the tables, invalidates the context tag on every core, releases it,
// and frees the frames the domain allocated.
func (d *Domain) TeardownStep() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return true, nil
	}
	d.shrink.Lock()
	defer d.shrink.Unlock()
	d.setState(TearingDown)

	budget := d.m.cfg.TeardownBatch
	if d.lowestMappedGFN != noGFN && d.lowestMappedGFN <= d.maxMappedGFN {
		end := (d.maxMappedGFN + 1) << pte.PageShift
		next, n := d.teardownBatchLocked(d.lowestMappedGFN<<pte.PageShift, end, budget)
		if next < end {
			d.lowestMappedGFN = next >> pte.PageShift
			return false, nil
		}
		d.lowestMappedGFN = noGFN
		budget -= n
	}
	limit := d.limit()
	if next, _ := d.teardownBatchLocked(d.sweep, limit, budget); next < limit {
		d.sweep = next
		return false, nil
	}

	d.destroyLocked()
	return true, nil
}

// teardownBatchLocked removes up to budget leaves from [start, end). It
// returns the address the next batch starts at, which is at least end once
// nothing is left in the range, and the number of leaves removed.
func (d *Domain) teardownBatchLocked(start, end uint64, budget int) (uint64, int) {
	var (
		count int
		stop  = end
	)
	d.pt.Iterate(start, end, func(l pagetables.Leaf) bool {
		if count == budget {
			stop = l.Addr
			return false
		}
		if count == 0 && l.Addr < start {
			start = l.Addr
		}
		stop = max(end, l.Addr+l.Size())
		count++
		return true
	})
	if count > 0 {
		d.teardownLocked(GPARange{Start: start, End: stop})
	}
	return stop, count
}

// teardownLocked removes the leaves of r, which starts and ends on leaf
// boundaries.
func (d *Domain) teardownLocked(r GPARange) {
	var (
		release []frameRun
		removed uint64
	)
	b := d.newBatch()
	n, err := d.unmapLocked(b, r, func(addr uint64, level int, old pte.Decoded) {
		removed += pte.LevelPages(level)
		if old.Type.Freeable() {
			release = append(release, frameRun{mfn: old.Frame, count: pte.LevelPages(level)})
		}
	})
	if err != nil {
		d.fatalf("teardown of %v failed after %d pages: %v", r, n, err)
	}
	d.commitLocked(b, r)
	d.releaseOwned(release)
	d.emit(trace.Event{Kind: trace.Teardown, GFN: r.GFN(), Pages: removed})
}

// destroyLocked frees everything that is left.
func (d *Domain) destroyLocked() {
	var (
		release []frameRun
		pages   uint64
	)
	d.pt.Destroy(func(addr uint64, level int, old pte.Decoded) {
		d.deferPut(level, old)
		pages += pte.LevelPages(level)
		if old.Type.Freeable() {
			release = append(release, frameRun{mfn: old.Frame, count: pte.LevelPages(level)})
		}
	})
	// Releasing the tag invalidates it everywhere, which covers every
	// translation and walk through the freed tables.
	d.m.ids.Release(d.id)
	d.settleLocked()
	d.releaseOwned(release)
	for mfn := range d.owned {
		d.freeOwned(mfn, 1)
	}
	d.pod.Clear(false)
	d.podPages = 0
	d.lowestMappedGFN = noGFN
	d.setState(Destroyed)
	d.m.forget(d)
	d.emit(trace.Event{Kind: trace.Teardown, Pages: pages})
}

// releaseOwned frees the frames of runs that this domain allocated.
func (d *Domain) releaseOwned(runs []frameRun) {
	for _, run := range runs {
		for i := uint64(0); i < run.count; i++ {
			if _, ok := d.owned[run.mfn+i]; ok {
				d.freeOwned(run.mfn+i, 1)
			}
		}
	}
}
