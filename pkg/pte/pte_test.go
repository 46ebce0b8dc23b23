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
	"testing"

	"github.com/google/go-cmp/cmp"

	"xlat.dev/xlat/pkg/p2mt"
)

func leafPerms(f Format) []p2mt.Perm {
	var ps []p2mt.Perm
	for p := p2mt.Perm(0); p <= p2mt.PermMask; p++ {
		switch f {
		case Stage1:
			if p&p2mt.Read == 0 {
				continue
			}
		case EPT:
			if p == 0 || (p&p2mt.Write != 0 && p&p2mt.Read == 0) {
				continue
			}
		}
		ps = append(ps, p)
	}
	return ps
}

func leafTypes(f Format) []p2mt.Type {
	if f == Stage1 {
		return []p2mt.Type{p2mt.Invalid}
	}
	return p2mt.All()[1:]
}

func TestRoundTrip(t *testing.T) {
	frames := []uint64{0, 0x5000, 0x1ff, 0xfffffff}
	for _, f := range []Format{Stage1, Stage2, EPT} {
		for level := 0; level <= 2; level++ {
			for _, frame := range frames {
				frame &^= LevelPages(level) - 1
				for _, typ := range leafTypes(f) {
					for _, perm := range leafPerms(f) {
						e, err := Encode(f, level, frame, typ, perm)
						if err != nil {
							t.Fatalf("Encode(%v, %d, %#x, %v, %v) failed: %v", f, level, frame, typ, perm, err)
						}
						got := Decode(f, level, e)
						want := Decoded{Valid: true, Frame: frame, Type: typ, Perm: perm}
						if diff := cmp.Diff(want, got); diff != "" {
							t.Errorf("Decode(%v, %d, %#x) mismatch (-want +got):\n%s", f, level, uint64(e), diff)
						}
						if r := Reserved(f, e); r != 0 {
							t.Errorf("Encode(%v, %d, %#x, %v, %v) set reserved bits %#x", f, level, frame, typ, perm, uint64(r))
						}
					}
				}
			}
		}
	}
}

func TestTableRoundTrip(t *testing.T) {
	for _, f := range []Format{Stage1, Stage2, EPT} {
		for level := 1; level <= MaxLevel; level++ {
			e, err := EncodeTable(f, 0x1234)
			if err != nil {
				t.Fatalf("EncodeTable(%v) failed: %v", f, err)
			}
			want := Decoded{Valid: true, Table: true, Frame: 0x1234}
			if diff := cmp.Diff(want, Decode(f, level, e)); diff != "" {
				t.Errorf("%v level %d: mismatch (-want +got):\n%s", f, level, diff)
			}
			if diff := cmp.Diff(Walk{Valid: true, Table: true, Base: 0x1234}, WalkOf(f, e)); diff != "" {
				t.Errorf("%v walk view mismatch (-want +got):\n%s", f, diff)
			}
		}
	}
}

func TestEncodeRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		level  int
		frame  uint64
		typ    p2mt.Type
		perm   p2mt.Perm
	}{
		{"unknown format", Format(7), 0, 1, p2mt.RAMRW, p2mt.AnyAccess},
		{"top level leaf", Stage2, 3, 0, p2mt.RAMRW, p2mt.AnyAccess},
		{"negative level", Stage2, -1, 0, p2mt.RAMRW, p2mt.AnyAccess},
		{"unaligned 2M block", Stage2, 1, 0x201, p2mt.RAMRW, p2mt.AnyAccess},
		{"unaligned 1G block", EPT, 2, 0x200, p2mt.RAMRW, p2mt.AnyAccess},
		{"lpae frame too large", Stage2, 0, 1 << 28, p2mt.RAMRW, p2mt.AnyAccess},
		{"ept frame too large", EPT, 0, 1 << 40, p2mt.RAMRW, p2mt.AnyAccess},
		{"invalid type", Stage2, 0, 1, p2mt.Invalid, p2mt.AnyAccess},
		{"unstorable type", EPT, 0, 1, p2mt.Type(p2mt.MaxStored + 1), p2mt.AnyAccess},
		{"stray perm bits", Stage2, 0, 1, p2mt.RAMRW, 0x8},
		{"typed stage1", Stage1, 0, 1, p2mt.RAMRW, p2mt.AnyAccess},
		{"unreadable stage1", Stage1, 0, 1, p2mt.Invalid, p2mt.Write},
		{"ept no perms", EPT, 0, 1, p2mt.RAMRW, 0},
		{"ept write only", EPT, 0, 1, p2mt.RAMRW, p2mt.Write},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if e, err := Encode(tc.format, tc.level, tc.frame, tc.typ, tc.perm); err == nil {
				t.Errorf("Encode succeeded with %#x, want error", uint64(e))
			}
		})
	}
}

func TestEncodeTableRejects(t *testing.T) {
	if _, err := EncodeTable(Stage2, 1<<28); err == nil {
		t.Errorf("EncodeTable(Stage2, 1<<28) succeeded")
	}
	if _, err := EncodeTable(EPT, 1<<40); err == nil {
		t.Errorf("EncodeTable(EPT, 1<<40) succeeded")
	}
}

func TestDecodeNotPresent(t *testing.T) {
	for _, tc := range []struct {
		name   string
		format Format
		level  int
		entry  Entry
	}{
		{"empty stage2", Stage2, 1, 0},
		{"empty ept", EPT, 1, 0},
		{"lpae page without table bit", Stage2, 0, lpaeValid | 0x5000},
		{"lpae block at top level", Stage1, 3, lpaeValid | 0x5000},
		{"lpae table bit without valid", Stage2, 2, lpaeTable | 0x5000},
		{"ept large page at top level", EPT, 3, eptR | eptSP | 0x5000},
		{"ept no permission bits", EPT, 0, eptSP | eptMFNMask},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if d := Decode(tc.format, tc.level, tc.entry); d.Valid {
				t.Errorf("Decode(%v, %d, %#x) = %+v, want not present", tc.format, tc.level, uint64(tc.entry), d)
			}
		})
	}
}

func TestStage2Attributes(t *testing.T) {
	ram, err := Encode(Stage2, 0, 0x5000, p2mt.RAMRW, p2mt.AnyAccess)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := (ram & s2MattrMask) >> s2MattrShift; got != mattrMemory {
		t.Errorf("RAM mattr = %#x, want %#x", uint64(got), mattrMemory)
	}
	if ram&lpaeAF == 0 {
		t.Errorf("RAM leaf without access flag")
	}
	mmio, err := Encode(Stage2, 0, 0x5000, p2mt.MMIODirect, p2mt.ReadWrite)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := (mmio & s2MattrMask) >> s2MattrShift; got != mattrDevice {
		t.Errorf("MMIO mattr = %#x, want %#x", uint64(got), mattrDevice)
	}
	if mmio&lpaeXN == 0 {
		t.Errorf("non-executable MMIO leaf without XN")
	}
}

func TestEPTMemType(t *testing.T) {
	for _, tc := range []struct {
		typ  p2mt.Type
		want uint8
	}{
		{p2mt.RAMRW, MemTypeWB},
		{p2mt.GrantMapRO, MemTypeWB},
		{p2mt.MMIODirect, MemTypeUC},
	} {
		e, err := Encode(EPT, 1, 0x200, tc.typ, p2mt.ReadOnly)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", tc.typ, err)
		}
		if got := MemType(e); got != tc.want {
			t.Errorf("MemType(%v) = %d, want %d", tc.typ, got, tc.want)
		}
		if e&eptSP == 0 {
			t.Errorf("2M EPT leaf without large page bit")
		}
	}
}

func TestStage1Attr(t *testing.T) {
	e, err := EncodeStage1(0, 0x10, p2mt.ReadWrite, AttrDevice)
	if err != nil {
		t.Fatalf("EncodeStage1 failed: %v", err)
	}
	if got := Stage1Attr(e); got != AttrDevice {
		t.Errorf("Stage1Attr = %d, want %d", got, AttrDevice)
	}
	if _, err := EncodeStage1(0, 0x10, p2mt.ReadWrite, 8); err == nil {
		t.Errorf("EncodeStage1 accepted attribute index 8")
	}
}

func TestGeometry(t *testing.T) {
	for _, tc := range []struct {
		level int
		size  uint64
	}{
		{0, 4 << 10},
		{1, 2 << 20},
		{2, 1 << 30},
		{3, 512 << 30},
	} {
		if got := LevelSize(tc.level); got != tc.size {
			t.Errorf("LevelSize(%d) = %#x, want %#x", tc.level, got, tc.size)
		}
	}
	if got := Index(0x40201000, 0); got != 1 {
		t.Errorf("Index(level 0) = %d, want 1", got)
	}
	if got := Index(0x40201000, 1); got != 1 {
		t.Errorf("Index(level 1) = %d, want 1", got)
	}
	if got := Index(0x40201000, 2); got != 1 {
		t.Errorf("Index(level 2) = %d, want 1", got)
	}
}
