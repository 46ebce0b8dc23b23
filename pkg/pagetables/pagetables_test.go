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
	"testing"

	"github.com/google/go-cmp/cmp"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pte"
)

const (
	pteSize = 4 << 10
	pmdSize = 2 << 20
	pudSize = 1 << 30
)

// countingSource hands out table frames from a fixed window.
type countingSource struct {
	next  uint64
	live  int
	limit int
}

func (c *countingSource) AllocTables(n int) (uint64, error) {
	if c.limit > 0 && c.live+n > c.limit {
		return 0, linuxerr.ENOMEM
	}
	base := c.next
	c.next += uint64(n)
	c.live += n
	return base, nil
}

func (c *countingSource) FreeTable(uint64) {
	c.live--
}

func newTables(t *testing.T, layout Layout, limit int) (*PageTables, *RuntimeAllocator) {
	t.Helper()
	a := NewRuntimeAllocator(&countingSource{next: 0x80000, limit: limit})
	pt, err := New(a, layout, Opts{})
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", layout, err)
	}
	return pt, a
}

type mapping struct {
	Addr  uint64
	Level int
	Frame uint64
	Type  p2mt.Type
	Perm  p2mt.Perm
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.Iterate(0, pt.Layout().Limit(), func(l Leaf) bool {
		got = append(got, mapping{l.Addr, l.Level, l.Frame, l.Type, l.Perm})
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func mustMap(t *testing.T, pt *PageTables, addr, length, frame uint64, typ p2mt.Type, perm p2mt.Perm) {
	t.Helper()
	if n, err := pt.Map(addr, length, frame, typ, perm, nil); err != nil || n != length {
		t.Fatalf("Map(%#x, %#x, %#x) = %#x, %v; want %#x, nil", addr, length, frame, n, err, length)
	}
}

func TestMapLookup(t *testing.T) {
	for _, layout := range []Layout{Stage2ThreeLevel, Stage2FourLevel, EPTFourLevel} {
		t.Run(fmt.Sprintf("%v/%d", layout.Format, layout.Levels), func(t *testing.T) {
			pt, _ := newTables(t, layout, 0)
			mustMap(t, pt, 0x1000, 2*pteSize, 0x5000, p2mt.RAMRW, p2mt.AnyAccess)

			for _, tc := range []struct {
				addr  uint64
				frame uint64
				ok    bool
			}{
				{0x1000, 0x5000, true},
				{0x1fff, 0x5000, true},
				{0x2000, 0x5001, true},
				{0x3000, 0, false},
				{0, 0, false},
			} {
				l, ok := pt.Lookup(tc.addr)
				if ok != tc.ok {
					t.Errorf("Lookup(%#x) ok = %v, want %v", tc.addr, ok, tc.ok)
					continue
				}
				if ok && l.FrameFor(tc.addr) != tc.frame {
					t.Errorf("Lookup(%#x) frame = %#x, want %#x", tc.addr, l.FrameFor(tc.addr), tc.frame)
				}
			}
			checkMappings(t, pt, []mapping{
				{0x1000, 0, 0x5000, p2mt.RAMRW, p2mt.AnyAccess},
				{0x2000, 0, 0x5001, p2mt.RAMRW, p2mt.AnyAccess},
			})
		})
	}
}

func Test2MAnd4K(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, 0x400000, pteSize, 42, p2mt.RAMRW, p2mt.AnyAccess)
	mustMap(t, pt, 0x40000000, pmdSize, 47*512, p2mt.RAMRO, p2mt.ReadOnly)

	checkMappings(t, pt, []mapping{
		{0x400000, 0, 42, p2mt.RAMRW, p2mt.AnyAccess},
		{0x40000000, 1, 47 * 512, p2mt.RAMRO, p2mt.ReadOnly},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt, _ := newTables(t, Stage2FourLevel, 0)
	mustMap(t, pt, 0x400000, pteSize, 42, p2mt.RAMRW, p2mt.AnyAccess)
	mustMap(t, pt, 0x8000000000, pudSize, 0x40000, p2mt.MapForeign, p2mt.ReadWrite)

	checkMappings(t, pt, []mapping{
		{0x400000, 0, 42, p2mt.RAMRW, p2mt.AnyAccess},
		{0x8000000000, 2, 0x40000, p2mt.MapForeign, p2mt.ReadWrite},
	})
}

func TestNoBlockForUnalignedFrame(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, pmdSize, pmdSize, 0x401, p2mt.RAMRW, p2mt.AnyAccess)

	leaves := 0
	pt.Iterate(0, pt.Layout().Limit(), func(l Leaf) bool {
		if l.Level != 0 {
			t.Errorf("leaf at %#x has level %d, want 0", l.Addr, l.Level)
		}
		leaves++
		return true
	})
	if leaves != 512 {
		t.Errorf("got %d leaves, want 512", leaves)
	}
}

func TestNoBlockWhenDisabled(t *testing.T) {
	layout := Stage2ThreeLevel
	layout.MaxBlockLevel = 0
	pt, _ := newTables(t, layout, 0)
	mustMap(t, pt, pmdSize, pmdSize, 0x400, p2mt.RAMRW, p2mt.AnyAccess)
	if l, ok := pt.Lookup(pmdSize); !ok || l.Level != 0 {
		t.Errorf("Lookup = %+v, %v; want a level 0 leaf", l, ok)
	}
}

func TestSplit2MPage(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, pmdSize, pmdSize, 0x400, p2mt.RAMRW, p2mt.AnyAccess)

	removed := 0
	n, err := pt.Unmap(pmdSize+pteSize, pmdSize-2*pteSize, func(addr uint64, level int, old pte.Decoded) {
		if level != 0 {
			t.Errorf("removed leaf at level %d after split", level)
		}
		removed++
	})
	if err != nil || n != pmdSize-2*pteSize {
		t.Fatalf("Unmap = %#x, %v", n, err)
	}
	if removed != 510 {
		t.Errorf("removed %d leaves, want 510", removed)
	}
	checkMappings(t, pt, []mapping{
		{pmdSize, 0, 0x400, p2mt.RAMRW, p2mt.AnyAccess},
		{2*pmdSize - pteSize, 0, 0x400 + 511, p2mt.RAMRW, p2mt.AnyAccess},
	})
}

func TestSplit1GPage(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, pudSize, pudSize, 0x40000, p2mt.RAMRO, p2mt.ReadOnly)
	if _, err := pt.Unmap(pudSize+pteSize, pudSize-2*pteSize, nil); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{pudSize, 0, 0x40000, p2mt.RAMRO, p2mt.ReadOnly},
		{2*pudSize - pteSize, 0, 0x40000 + 0x3ffff, p2mt.RAMRO, p2mt.ReadOnly},
	})
}

func TestUnmapFreesTables(t *testing.T) {
	pt, a := newTables(t, Stage2FourLevel, 0)
	mustMap(t, pt, 0x7000, pteSize, 1, p2mt.RAMRW, p2mt.AnyAccess)
	if got, want := a.Used(), 4; got != want {
		t.Errorf("after map: %d live tables, want %d", got, want)
	}
	if _, err := pt.Unmap(0, pmdSize, nil); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if got, want := a.Used(), 1; got != want {
		t.Errorf("after unmap: %d live tables, want %d", got, want)
	}
	if _, ok := pt.Lookup(0x7000); ok {
		t.Errorf("Lookup succeeded after unmap")
	}
}

func TestUnmapHoles(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, 0x3000, pteSize, 9, p2mt.RAMRW, p2mt.AnyAccess)
	n, err := pt.Unmap(0, 16*pteSize, nil)
	if err != nil || n != 16*pteSize {
		t.Fatalf("Unmap over holes = %#x, %v", n, err)
	}
	checkMappings(t, pt, nil)
}

func TestMapOutOfMemory(t *testing.T) {
	// Two root pages, one level 1 table and one level 0 table fit.
	pt, a := newTables(t, Stage2ThreeLevel, 4)
	n, err := pt.Map(0, pmdSize+2*pteSize, 0x1001, p2mt.RAMRW, p2mt.AnyAccess, nil)
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Map error = %v, want ENOMEM", err)
	}
	if n != pmdSize {
		t.Errorf("Map mapped %#x bytes, want %#x", n, pmdSize)
	}
	if _, ok := pt.Lookup(pmdSize - pteSize); !ok {
		t.Errorf("last page of mapped prefix missing")
	}
	if _, ok := pt.Lookup(pmdSize); ok {
		t.Errorf("page past the failure point is mapped")
	}
	if got := a.Used(); got != 4 {
		t.Errorf("%d live tables, want 4", got)
	}
}

func TestUnmapSplitOutOfMemory(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 3)
	mustMap(t, pt, pmdSize, pmdSize, 0x400, p2mt.RAMRW, p2mt.AnyAccess)
	n, err := pt.Unmap(pmdSize+pteSize, pteSize, nil)
	if !linuxerr.Equals(linuxerr.ENOMEM, err) || n != 0 {
		t.Fatalf("Unmap = %#x, %v; want 0, ENOMEM", n, err)
	}
	checkMappings(t, pt, []mapping{{pmdSize, 1, 0x400, p2mt.RAMRW, p2mt.AnyAccess}})
}

func TestReplaced(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, 0, 2*pteSize, 0x10, p2mt.RAMRW, p2mt.AnyAccess)

	var old []uint64
	if _, err := pt.Map(pteSize, 2*pteSize, 0x20, p2mt.GrantMapRO, p2mt.ReadOnly, func(addr uint64, level int, d pte.Decoded) {
		old = append(old, d.Frame)
	}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if diff := cmp.Diff([]uint64{0x11}, old); diff != "" {
		t.Errorf("replaced frames mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, pt, []mapping{
		{0, 0, 0x10, p2mt.RAMRW, p2mt.AnyAccess},
		{pteSize, 0, 0x20, p2mt.GrantMapRO, p2mt.ReadOnly},
		{2 * pteSize, 0, 0x21, p2mt.GrantMapRO, p2mt.ReadOnly},
	})
}

func TestRemapBlock(t *testing.T) {
	for _, tc := range []struct {
		name     string
		frame    uint64
		level    int
		replaced int
	}{
		{name: "aligned", frame: 0x600, level: 1, replaced: 1},
		{name: "unaligned", frame: 0x601, level: 0, replaced: 512},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, _ := newTables(t, Stage2FourLevel, 0)
			mustMap(t, pt, pmdSize, pmdSize, 0x400, p2mt.MMIODirect, p2mt.ReadWrite)

			var old []uint64
			n, err := pt.Map(pmdSize, pmdSize, tc.frame, p2mt.MMIODirect, p2mt.ReadWrite, func(addr uint64, level int, d pte.Decoded) {
				if level != tc.level {
					t.Errorf("replaced leaf at level %d, want %d", level, tc.level)
				}
				old = append(old, d.Frame)
			})
			if err != nil || n != pmdSize {
				t.Fatalf("Map = %#x, %v; want %#x, nil", n, err, uint64(pmdSize))
			}
			if len(old) != tc.replaced {
				t.Fatalf("replaced %d leaves, want %d", len(old), tc.replaced)
			}
			if old[0] != 0x400 {
				t.Errorf("first replaced frame %#x, want 0x400", old[0])
			}
			for _, addr := range []uint64{pmdSize, 2*pmdSize - pteSize} {
				l, ok := pt.Lookup(addr)
				if !ok || l.Level != tc.level {
					t.Fatalf("Lookup(%#x) = %+v, %v; want a level %d leaf", addr, l, ok, tc.level)
				}
				got := l.Frame + (addr-l.Addr)/pteSize
				if want := tc.frame + (addr-pmdSize)/pteSize; got != want {
					t.Errorf("Lookup(%#x) translates to frame %#x, want %#x", addr, got, want)
				}
			}
		})
	}
}

func TestConcatenatedRoot(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	if got, want := pt.Layout().Limit(), uint64(1)<<40; got != want {
		t.Fatalf("Limit = %#x, want %#x", got, want)
	}
	high := uint64(600) << 30
	mustMap(t, pt, high, pteSize, 0x77, p2mt.RAMRW, p2mt.AnyAccess)
	if l, ok := pt.Lookup(high); !ok || l.Frame != 0x77 {
		t.Errorf("Lookup(%#x) = %+v, %v", high, l, ok)
	}
	if _, err := pt.Map(1<<40, pteSize, 1, p2mt.RAMRW, p2mt.AnyAccess, nil); err == nil {
		t.Errorf("Map beyond the address limit succeeded")
	}
	if _, ok := pt.Lookup(1 << 40); ok {
		t.Errorf("Lookup beyond the address limit succeeded")
	}
}

func TestMapRejects(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	for _, tc := range []struct {
		name   string
		addr   uint64
		length uint64
		frame  uint64
		typ    p2mt.Type
	}{
		{"unaligned address", 0x1001, pteSize, 1, p2mt.RAMRW},
		{"unaligned length", 0x1000, 0x800, 1, p2mt.RAMRW},
		{"invalid type", 0x1000, pteSize, 1, p2mt.Invalid},
		{"frame overflow", 0x1000, 2 * pteSize, 1<<28 - 1, p2mt.RAMRW},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pt.Map(tc.addr, tc.length, tc.frame, tc.typ, p2mt.AnyAccess, nil); err == nil {
				t.Errorf("Map succeeded")
			}
		})
	}
}

func TestBarrier(t *testing.T) {
	a := NewRuntimeAllocator(&countingSource{})
	barriers := 0
	pt, err := New(a, Stage2ThreeLevel, Opts{Barrier: func() { barriers++ }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mustMap(t, pt, 0, pteSize, 1, p2mt.RAMRW, p2mt.AnyAccess)
	// Two table links and one leaf.
	if barriers != 3 {
		t.Errorf("got %d barriers, want 3", barriers)
	}
}

func TestDestroy(t *testing.T) {
	pt, a := newTables(t, EPTFourLevel, 0)
	mustMap(t, pt, 0, pteSize, 1, p2mt.RAMRW, p2mt.AnyAccess)
	mustMap(t, pt, pudSize, pmdSize, 0x200, p2mt.RAMRW, p2mt.AnyAccess)

	var pages uint64
	pt.Destroy(func(addr uint64, level int, old pte.Decoded) {
		pages += pte.LevelPages(level)
	})
	if pages != 513 {
		t.Errorf("Destroy reported %d pages, want 513", pages)
	}
	if got := a.Used(); got != 0 {
		t.Errorf("%d tables live after Destroy", got)
	}
}

func TestTables(t *testing.T) {
	pt, _ := newTables(t, Stage2ThreeLevel, 0)
	mustMap(t, pt, 0, pteSize, 1, p2mt.RAMRW, p2mt.AnyAccess)
	levels := map[int]int{}
	pt.Tables(func(level int, frame uint64) {
		levels[level]++
	})
	if diff := cmp.Diff(map[int]int{2: 2, 1: 1, 0: 1}, levels); diff != "" {
		t.Errorf("tables per level mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutValidate(t *testing.T) {
	for _, l := range []Layout{
		{Format: pte.Stage2, Levels: 1, RootPages: 1},
		{Format: pte.Stage2, Levels: 5, RootPages: 1},
		{Format: pte.Stage2, Levels: 3, RootPages: 3},
		{Format: pte.Stage2, Levels: 3, RootPages: 1, MaxBlockLevel: 3},
		{Format: pte.Format(9), Levels: 3, RootPages: 1},
	} {
		if err := l.Validate(); err == nil {
			t.Errorf("Validate(%+v) succeeded", l)
		}
	}
}

func TestPath(t *testing.T) {
	pt, _ := newTables(t, Stage2FourLevel, 0)
	mustMap(t, pt, pmdSize, pmdSize, 0x200, p2mt.RAMRW, p2mt.AnyAccess)

	var levels []int
	var leaf pte.Entry
	pt.Path(pmdSize+pteSize, func(level int, table uint64, index int, e pte.Entry) {
		levels = append(levels, level)
		leaf = e
	})
	if diff := cmp.Diff([]int{3, 2, 1}, levels); diff != "" {
		t.Errorf("walk levels mismatch (-want +got):\n%s", diff)
	}
	if d := pte.Decode(pte.Stage2, 1, leaf); !d.IsLeaf() || d.Frame != 0x200 {
		t.Errorf("walk ended at %+v, want the 2M block", d)
	}

	levels = nil
	pt.Path(pudSize, func(level int, table uint64, index int, e pte.Entry) {
		levels = append(levels, level)
	})
	if diff := cmp.Diff([]int{3, 2}, levels); diff != "" {
		t.Errorf("walk levels for a hole mismatch (-want +got):\n%s", diff)
	}
}

func TestMapAttr(t *testing.T) {
	pt, a := newTables(t, HypervisorFourLevel, 0)
	if _, err := pt.MapAttr(pmdSize, pmdSize, 0x40000, p2mt.ReadWrite, pte.AttrDevice, nil); err != nil {
		t.Fatalf("MapAttr failed: %v", err)
	}
	if _, err := pt.Map(0, pteSize, 0x10, p2mt.Invalid, p2mt.Read|p2mt.Execute, nil); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0, 0, 0x10, p2mt.Invalid, p2mt.Read | p2mt.Execute},
		{pmdSize, 1, 0x40000, p2mt.Invalid, p2mt.ReadWrite},
	})

	var levels []int
	var leaf pte.Entry
	pt.Path(pmdSize+pteSize, func(level int, _ uint64, _ int, e pte.Entry) {
		levels = append(levels, level)
		leaf = e
	})
	if diff := cmp.Diff([]int{3, 2, 1}, levels); diff != "" {
		t.Errorf("walk levels mismatch (-want +got):\n%s", diff)
	}
	if got := pte.Stage1Attr(leaf); got != pte.AttrDevice {
		t.Errorf("block attribute = %d, want %d", got, pte.AttrDevice)
	}
	if l, ok := pt.Lookup(0); !ok || pte.Stage1Attr(l.Raw) != pte.AttrWriteAlloc {
		t.Errorf("Lookup(0) = %+v, %t; want a write-allocate page", l, ok)
	}

	// Splitting the block keeps its attribute on every remaining page.
	if _, err := pt.Unmap(pmdSize, pteSize, nil); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	pt.Iterate(pmdSize, 2*pmdSize, func(l Leaf) bool {
		if l.Level != 0 || pte.Stage1Attr(l.Raw) != pte.AttrDevice {
			t.Errorf("leaf %+v after split, want a device page", l)
			return false
		}
		return true
	})

	levels = levels[:0]
	pt.Tables(func(level int, _ uint64) { levels = append(levels, level) })
	if diff := cmp.Diff([]int{3, 2, 1, 0, 0}, levels); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}
	pt.Destroy(nil)
	if got := a.Used(); got != 0 {
		t.Errorf("%d tables live after Destroy", got)
	}
}

func TestMapAttrRejects(t *testing.T) {
	s2, _ := newTables(t, Stage2FourLevel, 0)
	if _, err := s2.MapAttr(0, pteSize, 1, p2mt.ReadWrite, pte.AttrDevice, nil); err == nil {
		t.Errorf("MapAttr on stage-2 tables succeeded")
	}
	s1, _ := newTables(t, HypervisorFourLevel, 0)
	if _, err := s1.MapAttr(0, pteSize, 1, p2mt.ReadWrite, 8, nil); err == nil {
		t.Errorf("MapAttr accepted attribute index 8")
	}
	if _, err := s1.MapAttr(0, pteSize, 1, p2mt.Write, pte.AttrDevice, nil); err == nil {
		t.Errorf("MapAttr accepted an unreadable mapping")
	}
}
