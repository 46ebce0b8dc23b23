// Copyright 2018 The gVisor Authors.
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

package pagetables

import (
	"fmt"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pte"
)

// visitor is the walker callback.
type visitor interface {
	// visit is called on each leaf-sized slot in the range. The slot is
	// entries[index] at level, mapping the aligned address addr.
	//
	// Returning false aborts the walk.
	visit(addr uint64, entries *PTEs, index, level int) bool

	// requiresAlloc returns true if missing tables should be allocated.
	requiresAlloc() bool

	// requiresSplit returns true if blocks only partially covered by the
	// range should be split into the next level.
	requiresSplit() bool

	// block returns true if a leaf may be installed at level for addr.
	block(addr uint64, level int) bool

	// coalesce returns true if tables left empty should be freed.
	coalesce() bool
}

// walker walks page tables.
type walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor

	// done is the end of the prefix of the range that has been processed.
	done uint64

	// err is set if the walk was aborted by a failure.
	err error
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end) across the concatenated root pages.
func (w *walker) iterateRange(start, end uint64) bool {
	layout := w.pageTables.layout
	level := layout.RootLevel()
	span := pte.EntriesPerPage * pte.LevelSize(level)
	w.done = start
	for start < end {
		next := addrEnd(start, end, span)
		if !w.walk(w.pageTables.root[start/span], level, start, next) {
			return false
		}
		start = next
	}
	return true
}

// walk visits [start, end), which lies within the table entries at level.
func (w *walker) walk(entries *PTEs, level int, start, end uint64) bool {
	p := w.pageTables
	format := p.layout.Format
	size := pte.LevelSize(level)
	for start < end {
		next := addrEnd(start, end, size)
		index := pte.Index(start, level)
		d := pte.Decode(format, level, entries.Load(index))

		if level == 0 {
			if d.Valid || w.visitor.requiresAlloc() {
				if !w.visitor.visit(start, entries, index, 0) {
					return false
				}
			}
			start, w.done = next, next
			continue
		}

		covered := start&(size-1) == 0 && end-start >= size
		var child *PTEs
		switch {
		case !d.Valid:
			if !w.visitor.requiresAlloc() {
				start, w.done = next, next
				continue
			}
			if covered && w.visitor.block(start, level) {
				if !w.visitor.visit(start, entries, index, level) {
					return false
				}
				start, w.done = next, next
				continue
			}
			child = w.alloc()
			if child == nil {
				return false
			}
			w.link(entries, index, child)

		case !d.Table:
			// A covered block is replaced in place unless the new leaf
			// cannot be a block at this level.
			if !w.visitor.requiresSplit() || (covered && (!w.visitor.requiresAlloc() || w.visitor.block(start, level))) {
				if !w.visitor.visit(start&^(size-1), entries, index, level) {
					return false
				}
				start, w.done = next, next
				continue
			}
			child = w.split(d, entries.Load(index), level)
			if child == nil {
				return false
			}
			w.link(entries, index, child)

		default:
			child = p.Allocator.LookupPTEs(d.Frame)
			if child == nil {
				panic(fmt.Sprintf("level %d table entry %d points at unknown frame %#x", level, index, d.Frame))
			}
		}

		ok := w.walk(child, level-1, start, next)
		if w.visitor.coalesce() && child.Empty() {
			entries.Store(index, 0)
			p.barrier()
			p.Allocator.FreePTEs(child)
		}
		if !ok {
			return false
		}
		start = next
	}
	return true
}

func (w *walker) alloc() *PTEs {
	ptes, err := w.pageTables.Allocator.NewPTEs(1)
	if err != nil {
		w.err = fmt.Errorf("allocating table: %w", linuxerr.ENOMEM)
		return nil
	}
	return ptes[0]
}

// link points entries[index] at child.
func (w *walker) link(entries *PTEs, index int, child *PTEs) {
	p := w.pageTables
	e, err := pte.EncodeTable(p.layout.Format, p.Allocator.FrameFor(child))
	if err != nil {
		panic(fmt.Sprintf("table frame not addressable: %v", err))
	}
	entries.Store(index, e)
	p.barrier()
}

// split returns a new table holding the equivalent of the block d, stored as
// raw, at level. The table is not yet reachable, so its entries need no
// barrier.
func (w *walker) split(d pte.Decoded, raw pte.Entry, level int) *PTEs {
	child := w.alloc()
	if child == nil {
		return nil
	}
	format := w.pageTables.layout.Format
	step := pte.LevelPages(level - 1)
	for i := range child {
		frame := d.Frame + uint64(i)*step
		var (
			e   pte.Entry
			err error
		)
		if format == pte.Stage1 {
			e, err = pte.EncodeStage1(level-1, frame, d.Perm, pte.Stage1Attr(raw))
		} else {
			e, err = pte.Encode(format, level-1, frame, d.Type, d.Perm)
		}
		if err != nil {
			panic(fmt.Sprintf("splitting level %d block at frame %#x: %v", level, d.Frame, err))
		}
		child.Store(i, e)
	}
	return child
}

// mapVisitor installs leaves.
type mapVisitor struct {
	pt       *PageTables
	start    uint64
	frame    uint64
	typ      p2mt.Type
	perm     p2mt.Perm
	attr     pte.Attr
	replaced MapFunc
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }
func (*mapVisitor) coalesce() bool { return false }

func (v *mapVisitor) frameFor(addr uint64) uint64 {
	return v.frame + (addr-v.start)>>pte.PageShift
}

func (v *mapVisitor) block(addr uint64, level int) bool {
	return level <= v.pt.layout.MaxBlockLevel && v.frameFor(addr)&(pte.LevelPages(level)-1) == 0
}

func (v *mapVisitor) encode(level int, frame uint64) (pte.Entry, error) {
	if v.pt.layout.Format == pte.Stage1 {
		return pte.EncodeStage1(level, frame, v.perm, v.attr)
	}
	return pte.Encode(v.pt.layout.Format, level, frame, v.typ, v.perm)
}

func (v *mapVisitor) visit(addr uint64, entries *PTEs, index, level int) bool {
	format := v.pt.layout.Format
	old := pte.Decode(format, level, entries.Load(index))
	e, err := v.encode(level, v.frameFor(addr))
	if err != nil {
		panic(fmt.Sprintf("encoding validated leaf: %v", err))
	}
	if old.Valid && v.replaced != nil {
		v.replaced(addr, level, old)
	}
	entries.Store(index, e)
	v.pt.barrier()
	return true
}

// unmapVisitor clears leaves.
type unmapVisitor struct {
	pt      *PageTables
	removed MapFunc
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }
func (*unmapVisitor) coalesce() bool { return true }
func (*unmapVisitor) block(uint64, int) bool { return false }

func (v *unmapVisitor) visit(addr uint64, entries *PTEs, index, level int) bool {
	old := pte.Decode(v.pt.layout.Format, level, entries.Load(index))
	if !old.Valid {
		return true
	}
	entries.Store(index, 0)
	v.pt.barrier()
	if v.removed != nil {
		v.removed(addr, level, old)
	}
	return true
}

// iterateVisitor reports leaves.
type iterateVisitor struct {
	pt *PageTables
	fn func(Leaf) bool
}

func (*iterateVisitor) requiresAlloc() bool { return false }
func (*iterateVisitor) requiresSplit() bool { return false }
func (*iterateVisitor) coalesce() bool { return false }
func (*iterateVisitor) block(uint64, int) bool { return false }

func (v *iterateVisitor) visit(addr uint64, entries *PTEs, index, level int) bool {
	e := entries.Load(index)
	d := pte.Decode(v.pt.layout.Format, level, e)
	if !d.Valid {
		return true
	}
	return v.fn(Leaf{
		Addr:  addr,
		Level: level,
		Frame: d.Frame,
		Type:  d.Type,
		Perm:  d.Perm,
		Raw:   e,
	})
}
