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

// Package pte encodes and decodes single page-table entries.
//
// Three layouts are supported: the LPAE long-descriptor format used for the
// hypervisor's own stage-1 tables, the LPAE stage-2 ("p2m") format used for
// guest-physical translation on ARM, and the x86 extended page table format.
// All three fit a 64-bit Entry. The layout is never inferred from the bits:
// every accessor takes the Format that the owning table was created with.
//
// Levels are numbered from the leaf: level 0 entries map 4K pages, level 1
// entries map 2M, level 2 entries map 1G and level 3 entries map 512G.
package pte

import (
	"fmt"

	"xlat.dev/xlat/pkg/p2mt"
)

// Format selects an entry layout.
type Format uint8

// Supported formats.
const (
	// Stage1 is the LPAE hypervisor "pt" layout.
	Stage1 Format = iota

	// Stage2 is the LPAE "p2m" layout.
	Stage2

	// EPT is the x86 extended page table layout.
	EPT
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	case EPT:
		return "ept"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Valid returns true for a known format.
func (f Format) Valid() bool {
	return f <= EPT
}

// FrameBits is the width of the base frame field.
func (f Format) FrameBits() uint {
	if f == EPT {
		return eptMFNBits
	}
	return lpaeBaseBits
}

// MaxFrame is the largest frame number the format can address.
func (f Format) MaxFrame() uint64 {
	return 1<<f.FrameBits() - 1
}

// Geometry shared by every format. Tables are one 4K page of 512 entries.
const (
	PageShift      = 12
	PageSize       = 1 << PageShift
	EntryShift     = 9
	EntriesPerPage = 1 << EntryShift
	entryMask      = EntriesPerPage - 1

	// MaxLevel is the highest level any layout uses.
	MaxLevel = 3
)

// LevelShift returns the address shift of entries at level.
func LevelShift(level int) uint {
	return PageShift + EntryShift*uint(level)
}

// LevelSize returns the number of bytes mapped by one entry at level.
func LevelSize(level int) uint64 {
	return 1 << LevelShift(level)
}

// LevelPages returns the number of 4K pages covered by one entry at level.
func LevelPages(level int) uint64 {
	return 1 << (EntryShift * uint(level))
}

// Index returns the index of addr within a table at level.
func Index(addr uint64, level int) int {
	return int((addr >> LevelShift(level)) & entryMask)
}

// Entry is a raw 64-bit table entry.
type Entry uint64

// Decoded is the interpretation of one entry.
//
// For table entries only Valid, Table and Frame are meaningful.
type Decoded struct {
	Valid bool
	Table bool
	Frame uint64
	Type  p2mt.Type
	Perm  p2mt.Perm
}

// Walk is the format-agnostic projection used by walkers that only need to
// follow pointers.
type Walk struct {
	Valid bool
	Table bool
	Base  uint64
}

// EncodeError describes a rejected encode request.
type EncodeError struct {
	Format Format
	Level  int
	Frame  uint64
	Reason string
}

// Error implements error.Error.
func (e *EncodeError) Error() string {
	return fmt.Sprintf("%v: cannot encode frame %#x at level %d: %s", e.Format, e.Frame, e.Level, e.Reason)
}

// BlockLevel returns true if a leaf may be written at level. Level 0 is the
// page level; levels 1 and 2 carry 2M and 1G blocks.
func BlockLevel(level int) bool {
	return level >= 0 && level <= 2
}

func (f Format) checkLeaf(level int, frame uint64, t p2mt.Type, perm p2mt.Perm) error {
	fail := func(reason string) error {
		return &EncodeError{Format: f, Level: level, Frame: frame, Reason: reason}
	}
	switch {
	case !f.Valid():
		return fail("unknown format")
	case !BlockLevel(level):
		return fail("no leaf entries at this level")
	case frame > f.MaxFrame():
		return fail("frame out of range")
	case frame&(LevelPages(level)-1) != 0:
		return fail("block not aligned to its size")
	case perm&^p2mt.PermMask != 0:
		return fail("unknown permission bits")
	case !t.Storable():
		return fail("type cannot be stored")
	}
	switch f {
	case Stage1:
		if t != p2mt.Invalid {
			return fail("stage-1 entries carry no mapping type")
		}
		if perm&p2mt.Read == 0 {
			return fail("stage-1 mappings are always readable")
		}
	case Stage2:
		if t == p2mt.Invalid {
			return fail("leaf of type invalid")
		}
	case EPT:
		if t == p2mt.Invalid {
			return fail("leaf of type invalid")
		}
		if perm == 0 {
			return fail("EPT leaf without any permission is not present")
		}
		if perm&p2mt.Write != 0 && perm&p2mt.Read == 0 {
			return fail("EPT write-only leaf is a misconfiguration")
		}
	}
	return nil
}

// Encode builds a leaf entry for frame at level.
//
// Every bit that the layout does not define is zero in the result; any input
// that cannot be represented is rejected rather than truncated.
func Encode(f Format, level int, frame uint64, t p2mt.Type, perm p2mt.Perm) (Entry, error) {
	if err := f.checkLeaf(level, frame, t, perm); err != nil {
		return 0, err
	}
	switch f {
	case Stage1:
		return encodeStage1(level, frame, perm, AttrWriteAlloc), nil
	case Stage2:
		return encodeStage2(level, frame, t, perm), nil
	default:
		return encodeEPT(level, frame, t, perm), nil
	}
}

// EncodeTable builds an entry pointing at the next-level table in frame.
func EncodeTable(f Format, frame uint64) (Entry, error) {
	if !f.Valid() {
		return 0, &EncodeError{Format: f, Frame: frame, Reason: "unknown format"}
	}
	if frame > f.MaxFrame() {
		return 0, &EncodeError{Format: f, Level: -1, Frame: frame, Reason: "table frame out of range"}
	}
	if f == EPT {
		return Entry(eptR | eptW | eptX | frame<<eptMFNShift), nil
	}
	return Entry(lpaeValid | lpaeTable | frame<<lpaeBaseShift), nil
}

// Decode interprets e as an entry at level. It is total: any bit pattern
// yields a result, and patterns the hardware would not treat as a present
// mapping decode as not valid.
func Decode(f Format, level int, e Entry) Decoded {
	switch f {
	case Stage1:
		return decodeStage1(level, e)
	case Stage2:
		return decodeStage2(level, e)
	case EPT:
		return decodeEPT(level, e)
	default:
		return Decoded{}
	}
}

// WalkOf projects e onto the valid/table/base bits of its format.
//
// The table bit is reported as stored; whether it means "next level" depends
// on the level, which only the walker knows.
func WalkOf(f Format, e Entry) Walk {
	if f == EPT {
		return Walk{
			Valid: e&(eptR|eptW|eptX) != 0,
			Table: e&eptSP == 0,
			Base:  uint64(e>>eptMFNShift) & (1<<eptMFNBits - 1),
		}
	}
	return Walk{
		Valid: e&lpaeValid != 0,
		Table: e&lpaeTable != 0,
		Base:  uint64(e>>lpaeBaseShift) & (1<<lpaeBaseBits - 1),
	}
}

// Reserved returns the bits of e that are set but undefined in the format.
func Reserved(f Format, e Entry) Entry {
	switch f {
	case Stage1:
		return e &^ stage1Defined
	case Stage2:
		return e &^ stage2Defined
	case EPT:
		return e &^ eptDefined
	default:
		return e
	}
}

// IsLeaf returns true if the decoded entry terminates the walk at level.
func (d Decoded) IsLeaf() bool {
	return d.Valid && !d.Table
}

// Describe renders e for debug dumps.
func Describe(f Format, level int, e Entry) string {
	if e == 0 {
		return "empty"
	}
	d := Decode(f, level, e)
	switch {
	case !d.Valid:
		return fmt.Sprintf("%#016x not present", uint64(e))
	case d.Table:
		return fmt.Sprintf("%#016x table mfn=%#x", uint64(e), d.Frame)
	default:
		return fmt.Sprintf("%#016x leaf mfn=%#x type=%v perm=%v", uint64(e), d.Frame, d.Type, d.Perm)
	}
}
