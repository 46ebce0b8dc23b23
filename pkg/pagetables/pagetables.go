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

// Package pagetables provides a generic multi-level translation table.
//
// The tables are described by a Layout, which fixes the entry format, the
// depth and the number of concatenated root pages. All mutation happens
// through a single walker; lookups may run concurrently with mappings
// because every entry is loaded and stored atomically and a table is only
// linked into its parent once it is fully initialized.
package pagetables

import (
	"fmt"
	"sync/atomic"

	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pte"
)

// PTEs is one table page.
type PTEs [pte.EntriesPerPage]pte.Entry

// Load atomically loads entry i.
func (p *PTEs) Load(i int) pte.Entry {
	return pte.Entry(atomic.LoadUint64((*uint64)(&p[i])))
}

// Store atomically stores entry i.
func (p *PTEs) Store(i int, e pte.Entry) {
	atomic.StoreUint64((*uint64)(&p[i]), uint64(e))
}

// Empty returns true if every entry is zero.
func (p *PTEs) Empty() bool {
	for i := range p {
		if p.Load(i) != 0 {
			return false
		}
	}
	return true
}

// Layout describes the shape of a table tree.
type Layout struct {
	// Format is the entry layout of every table in the tree.
	Format pte.Format

	// Levels is the number of levels, leaf level included.
	Levels int

	// RootPages is the number of physically contiguous root tables.
	RootPages int

	// MaxBlockLevel is the highest level at which leaves may be installed.
	// Zero disables blocks.
	MaxBlockLevel int
}

// Standard layouts.
var (
	// Stage2ThreeLevel is the 40-bit ARM stage-2 layout with a two page
	// concatenated root.
	Stage2ThreeLevel = Layout{Format: pte.Stage2, Levels: 3, RootPages: 2, MaxBlockLevel: 2}

	// Stage2FourLevel is the 48-bit ARM stage-2 layout.
	Stage2FourLevel = Layout{Format: pte.Stage2, Levels: 4, RootPages: 1, MaxBlockLevel: 2}

	// EPTFourLevel is the 48-bit extended page table layout.
	EPTFourLevel = Layout{Format: pte.EPT, Levels: 4, RootPages: 1, MaxBlockLevel: 2}

	// HypervisorFourLevel is the stage-1 layout of the hypervisor's own
	// address space.
	HypervisorFourLevel = Layout{Format: pte.Stage1, Levels: 4, RootPages: 1, MaxBlockLevel: 2}
)

// RootLevel returns the level of the root tables.
func (l Layout) RootLevel() int {
	return l.Levels - 1
}

// Limit returns the size of the address space covered by the root.
func (l Layout) Limit() uint64 {
	return uint64(l.RootPages) * pte.EntriesPerPage * pte.LevelSize(l.RootLevel())
}

// Validate checks that the layout can be walked.
func (l Layout) Validate() error {
	switch {
	case !l.Format.Valid():
		return fmt.Errorf("unknown format %v", l.Format)
	case l.Levels < 2 || l.Levels > pte.MaxLevel+1:
		return fmt.Errorf("unsupported depth %d", l.Levels)
	case l.RootPages < 1 || l.RootPages > 16 || l.RootPages&(l.RootPages-1) != 0:
		return fmt.Errorf("unsupported root concatenation %d", l.RootPages)
	case l.MaxBlockLevel < 0 || l.MaxBlockLevel >= l.Levels || !pte.BlockLevel(l.MaxBlockLevel):
		return fmt.Errorf("unsupported block level %d", l.MaxBlockLevel)
	}
	return nil
}

// Leaf is a present leaf entry found by a lookup or iteration.
type Leaf struct {
	// Addr is the first address mapped by the entry.
	Addr uint64

	// Level is the level the leaf was found at.
	Level int

	// Frame is the first frame mapped by the entry.
	Frame uint64

	Type p2mt.Type
	Perm p2mt.Perm
	Raw  pte.Entry
}

// Size returns the number of bytes the leaf maps.
func (l Leaf) Size() uint64 {
	return pte.LevelSize(l.Level)
}

// Pages returns the number of pages the leaf maps.
func (l Leaf) Pages() uint64 {
	return pte.LevelPages(l.Level)
}

// FrameFor returns the frame backing addr, which must be covered by l.
func (l Leaf) FrameFor(addr uint64) uint64 {
	return l.Frame + (addr-l.Addr)>>pte.PageShift
}

// Contains returns true if addr is mapped by l.
func (l Leaf) Contains(addr uint64) bool {
	return addr >= l.Addr && addr-l.Addr < l.Size()
}

// Opts are optional parameters for New.
type Opts struct {
	// Barrier, if set, is called after every store to a live table.
	Barrier func()
}

// PageTables is a single translation tree.
type PageTables struct {
	// Allocator provides table pages.
	Allocator Allocator

	layout Layout
	opts   Opts
	root   []*PTEs
	base   uint64
}

// New allocates the root tables of a new tree.
func New(a Allocator, layout Layout, opts Opts) (*PageTables, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	root, err := a.NewPTEs(layout.RootPages)
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator: a,
		layout:    layout,
		opts:      opts,
		root:      root,
		base:      a.FrameFor(root[0]),
	}, nil
}

// Layout returns the layout of the tree.
func (p *PageTables) Layout() Layout {
	return p.layout
}

// RootFrame returns the frame of the first root table.
func (p *PageTables) RootFrame() uint64 {
	return p.base
}

func (p *PageTables) barrier() {
	if p.opts.Barrier != nil {
		p.opts.Barrier()
	}
}

func (p *PageTables) checkRange(addr, length uint64) error {
	if addr&(pte.PageSize-1) != 0 || length&(pte.PageSize-1) != 0 {
		return fmt.Errorf("range [%#x, %#x) not page aligned", addr, addr+length)
	}
	if addr+length < addr || addr+length > p.layout.Limit() {
		return fmt.Errorf("range [%#x, %#x) beyond address limit %#x", addr, addr+length, p.layout.Limit())
	}
	return nil
}

// MapFunc is called for every present leaf that is replaced or removed. The
// decoded value is the entry as it was before the change.
type MapFunc func(addr uint64, level int, old pte.Decoded)

// Map installs leaves for [addr, addr+length) pointing at consecutive frames
// starting at frame. Blocks are used wherever both sides are suitably
// aligned and the layout allows them.
//
// Map returns the number of bytes mapped. On failure the prefix
// [addr, addr+n) is mapped and the rest of the range is untouched.
func (p *PageTables) Map(addr, length, frame uint64, t p2mt.Type, perm p2mt.Perm, replaced MapFunc) (uint64, error) {
	if err := p.checkRange(addr, length); err != nil {
		return 0, err
	}
	if _, err := pte.Encode(p.layout.Format, 0, frame, t, perm); err != nil {
		return 0, err
	}
	if last := frame + length>>pte.PageShift; length > 0 && (last-1 > p.layout.Format.MaxFrame() || last < frame) {
		return 0, fmt.Errorf("frames [%#x, %#x) beyond format limit", frame, last)
	}
	return p.install(&mapVisitor{
		pt:       p,
		start:    addr,
		frame:    frame,
		typ:      t,
		perm:     perm,
		attr:     pte.AttrWriteAlloc,
		replaced: replaced,
	}, length)
}

// MapAttr is Map for stage-1 trees, with an explicit memory attribute for
// every leaf installed.
func (p *PageTables) MapAttr(addr, length, frame uint64, perm p2mt.Perm, attr pte.Attr, replaced MapFunc) (uint64, error) {
	if p.layout.Format != pte.Stage1 {
		return 0, fmt.Errorf("memory attributes on %v tables", p.layout.Format)
	}
	if err := p.checkRange(addr, length); err != nil {
		return 0, err
	}
	if _, err := pte.EncodeStage1(0, frame, perm, attr); err != nil {
		return 0, err
	}
	if last := frame + length>>pte.PageShift; length > 0 && (last-1 > p.layout.Format.MaxFrame() || last < frame) {
		return 0, fmt.Errorf("frames [%#x, %#x) beyond format limit", frame, last)
	}
	return p.install(&mapVisitor{
		pt:       p,
		start:    addr,
		frame:    frame,
		perm:     perm,
		attr:     attr,
		replaced: replaced,
	}, length)
}

func (p *PageTables) install(v *mapVisitor, length uint64) (uint64, error) {
	w := walker{pageTables: p, visitor: v}
	if !w.iterateRange(v.start, v.start+length) {
		return w.done - v.start, w.err
	}
	return length, nil
}

// Unmap removes every leaf in [addr, addr+length), splitting blocks that
// straddle the range and freeing tables that become empty.
//
// Unmap returns the number of bytes processed. The only failure is running
// out of memory while splitting a block, in which case [addr, addr+n) has
// been unmapped and the rest of the range is untouched.
func (p *PageTables) Unmap(addr, length uint64, removed MapFunc) (uint64, error) {
	if err := p.checkRange(addr, length); err != nil {
		return 0, err
	}
	v := unmapVisitor{pt: p, removed: removed}
	w := walker{pageTables: p, visitor: &v}
	if !w.iterateRange(addr, addr+length) {
		return w.done - addr, w.err
	}
	return length, nil
}

// Lookup returns the leaf mapping addr.
//
// Lookup never blocks and may run concurrently with Map.
func (p *PageTables) Lookup(addr uint64) (Leaf, bool) {
	if addr >= p.layout.Limit() {
		return Leaf{}, false
	}
	level := p.layout.RootLevel()
	span := pte.EntriesPerPage * pte.LevelSize(level)
	entries := p.root[addr/span]
	for {
		e := entries.Load(pte.Index(addr, level))
		d := pte.Decode(p.layout.Format, level, e)
		if !d.Valid {
			return Leaf{}, false
		}
		if !d.Table {
			return Leaf{
				Addr:  addr &^ (pte.LevelSize(level) - 1),
				Level: level,
				Frame: d.Frame,
				Type:  d.Type,
				Perm:  d.Perm,
				Raw:   e,
			}, true
		}
		entries = p.Allocator.LookupPTEs(d.Frame)
		if entries == nil {
			panic(fmt.Sprintf("table entry %#x at level %d for address %#x points at unknown frame", uint64(e), level, addr))
		}
		level--
	}
}

// Path calls fn for each entry on the walk to addr, root first, stopping
// after the first entry that is not a table. table is the frame of the table
// holding the entry.
func (p *PageTables) Path(addr uint64, fn func(level int, table uint64, index int, e pte.Entry)) {
	if addr >= p.layout.Limit() {
		return
	}
	level := p.layout.RootLevel()
	entries := p.root[addr/(pte.EntriesPerPage*pte.LevelSize(level))]
	for {
		i := pte.Index(addr, level)
		e := entries.Load(i)
		fn(level, p.Allocator.FrameFor(entries), i, e)
		if entries = p.next(level, e); entries == nil {
			return
		}
		level--
	}
}

// next returns the table e points at, or nil if e ends a walk at level.
func (p *PageTables) next(level int, e pte.Entry) *PTEs {
	if level == 0 {
		return nil
	}
	w := pte.WalkOf(p.layout.Format, e)
	if !w.Valid || !w.Table {
		return nil
	}
	child := p.Allocator.LookupPTEs(w.Base)
	if child == nil {
		panic(fmt.Sprintf("table entry %#x at level %d points at unknown frame", uint64(e), level))
	}
	return child
}

// Iterate calls fn for each leaf intersecting [start, end), in address
// order, until fn returns false.
func (p *PageTables) Iterate(start, end uint64, fn func(Leaf) bool) {
	if end > p.layout.Limit() {
		end = p.layout.Limit()
	}
	if start >= end {
		return
	}
	v := iterateVisitor{pt: p, fn: fn}
	w := walker{pageTables: p, visitor: &v}
	w.iterateRange(start, end)
}

// Tables calls fn for every table page in the tree, root pages included,
// parents before children.
func (p *PageTables) Tables(fn func(level int, frame uint64)) {
	level := p.layout.RootLevel()
	for _, r := range p.root {
		p.tables(r, level, fn)
	}
}

func (p *PageTables) tables(entries *PTEs, level int, fn func(int, uint64)) {
	fn(level, p.Allocator.FrameFor(entries))
	if level == 0 {
		return
	}
	for i := range entries {
		if child := p.next(level, entries.Load(i)); child != nil {
			p.tables(child, level-1, fn)
		}
	}
}

// Destroy frees every table, the root included. Leaves still present are
// reported to fn, if set, before their tables are freed.
//
// The tree must not be used afterwards.
func (p *PageTables) Destroy(fn MapFunc) {
	level := p.layout.RootLevel()
	span := pte.EntriesPerPage * pte.LevelSize(level)
	for i, r := range p.root {
		p.destroy(r, level, uint64(i)*span, fn)
	}
	for _, r := range p.root {
		p.Allocator.FreePTEs(r)
	}
	p.root = nil
}

func (p *PageTables) destroy(entries *PTEs, level int, addr uint64, fn MapFunc) {
	for i := range entries {
		e := entries.Load(i)
		a := addr + uint64(i)*pte.LevelSize(level)
		if child := p.next(level, e); child != nil {
			p.destroy(child, level-1, a, fn)
			p.Allocator.FreePTEs(child)
			continue
		}
		if d := pte.Decode(p.layout.Format, level, e); d.Valid && fn != nil {
			fn(a, level, d)
		}
	}
}
