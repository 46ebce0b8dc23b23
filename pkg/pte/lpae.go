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

package pte

import (
	"xlat.dev/xlat/pkg/p2mt"
)

// Bits common to both LPAE layouts.
const (
	lpaeValid     = 1 << 0
	lpaeTable     = 1 << 1
	lpaeBaseShift = 12
	lpaeBaseBits  = 28
	lpaeBaseMask  = (1<<lpaeBaseBits - 1) << lpaeBaseShift
	lpaeShShift   = 8
	lpaeShMask    = 3 << lpaeShShift
	lpaeAF        = 1 << 10
	lpaeContig    = 1 << 52
	lpaeXN        = 1 << 54

	shOuter = 2
)

// Stage-2 fields.
const (
	s2MattrShift = 2
	s2MattrMask  = 0xf << s2MattrShift
	s2Read       = 1 << 6
	s2Write      = 1 << 7
	s2TypeShift  = 55
	s2TypeMask   = 0xf << s2TypeShift

	mattrDevice = 0x1
	mattrMemory = 0xf

	stage2Defined = lpaeValid | lpaeTable | s2MattrMask | s2Read | s2Write |
		lpaeShMask | lpaeAF | lpaeBaseMask | lpaeContig | lpaeXN | s2TypeMask
)

// Stage-1 fields.
const (
	s1AIShift    = 2
	s1AIMask     = 0x7 << s1AIShift
	s1NS         = 1 << 5
	s1User       = 1 << 6
	s1RO         = 1 << 7
	s1NG         = 1 << 11
	s1PXN        = 1 << 53
	s1AvailShift = 55
	s1AvailMask  = 0xf << s1AvailShift
	s1PXNT       = 1 << 59
	s1XNT        = 1 << 60
	s1APTMask    = 3 << 61
	s1NST        = 1 << 63

	stage1Defined = lpaeValid | lpaeTable | s1AIMask | s1NS | s1User | s1RO |
		lpaeShMask | lpaeAF | s1NG | lpaeBaseMask | lpaeContig | s1PXN | lpaeXN |
		s1AvailMask | s1PXNT | s1XNT | s1APTMask | s1NST
)

// Attr is a stage-1 memory attribute index into MAIR.
type Attr uint8

// Attribute indices programmed into MAIR by the hypervisor.
const (
	AttrUncached     Attr = 0
	AttrBufferable   Attr = 1
	AttrWriteThrough Attr = 2
	AttrWriteBack    Attr = 3
	AttrDevice       Attr = 4
	AttrWriteAlloc   Attr = 7
)

// pageTableBit returns the table bit value a leaf must carry at level. Page
// entries at level 0 use the table encoding; blocks clear it.
func pageTableBit(level int) uint64 {
	if level == 0 {
		return lpaeTable
	}
	return 0
}

// lpaeValidAt applies the per-level validity rules: at level 0 a clear table
// bit is reserved, and at level 3 there are no blocks.
func lpaeValidAt(level int, e Entry) bool {
	if e&lpaeValid == 0 {
		return false
	}
	if (level == 0 || level == MaxLevel) && e&lpaeTable == 0 {
		return false
	}
	return true
}

func encodeStage2(level int, frame uint64, t p2mt.Type, perm p2mt.Perm) Entry {
	e := uint64(lpaeValid) | pageTableBit(level) | lpaeAF | shOuter<<lpaeShShift
	e |= frame << lpaeBaseShift
	e |= uint64(t) << s2TypeShift
	if t.Cacheable() {
		e |= mattrMemory << s2MattrShift
	} else {
		e |= mattrDevice << s2MattrShift
	}
	if perm&p2mt.Read != 0 {
		e |= s2Read
	}
	if perm&p2mt.Write != 0 {
		e |= s2Write
	}
	if perm&p2mt.Execute == 0 {
		e |= lpaeXN
	}
	return Entry(e)
}

func decodeStage2(level int, e Entry) Decoded {
	if !lpaeValidAt(level, e) {
		return Decoded{}
	}
	d := Decoded{
		Valid: true,
		Table: level > 0 && e&lpaeTable != 0,
		Frame: uint64(e&lpaeBaseMask) >> lpaeBaseShift,
	}
	if d.Table {
		return d
	}
	d.Type = p2mt.Type((e & s2TypeMask) >> s2TypeShift)
	if e&s2Read != 0 {
		d.Perm |= p2mt.Read
	}
	if e&s2Write != 0 {
		d.Perm |= p2mt.Write
	}
	if e&lpaeXN == 0 {
		d.Perm |= p2mt.Execute
	}
	return d
}

// EncodeStage1 builds a hypervisor mapping with an explicit attribute index.
func EncodeStage1(level int, frame uint64, perm p2mt.Perm, attr Attr) (Entry, error) {
	if err := Stage1.checkLeaf(level, frame, p2mt.Invalid, perm); err != nil {
		return 0, err
	}
	if attr > 7 {
		return 0, &EncodeError{Format: Stage1, Level: level, Frame: frame, Reason: "attribute index out of range"}
	}
	return encodeStage1(level, frame, perm, attr), nil
}

func encodeStage1(level int, frame uint64, perm p2mt.Perm, attr Attr) Entry {
	e := uint64(lpaeValid) | pageTableBit(level) | lpaeAF | s1NS | s1User | s1NG
	e |= uint64(attr) << s1AIShift
	e |= shOuter << lpaeShShift
	e |= frame << lpaeBaseShift
	if perm&p2mt.Write == 0 {
		e |= s1RO
	}
	if perm&p2mt.Execute == 0 {
		e |= lpaeXN
	}
	return Entry(e)
}

func decodeStage1(level int, e Entry) Decoded {
	if !lpaeValidAt(level, e) {
		return Decoded{}
	}
	d := Decoded{
		Valid: true,
		Table: level > 0 && e&lpaeTable != 0,
		Frame: uint64(e&lpaeBaseMask) >> lpaeBaseShift,
	}
	if d.Table {
		return d
	}
	d.Perm = p2mt.Read
	if e&s1RO == 0 {
		d.Perm |= p2mt.Write
	}
	if e&lpaeXN == 0 {
		d.Perm |= p2mt.Execute
	}
	return d
}

// Stage1Attr returns the attribute index of a stage-1 leaf.
func Stage1Attr(e Entry) Attr {
	return Attr((e & s1AIMask) >> s1AIShift)
}
