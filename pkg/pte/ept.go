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

// EPT fields.
const (
	eptR          = 1 << 0
	eptW          = 1 << 1
	eptX          = 1 << 2
	eptEMTShift   = 3
	eptEMTMask    = 0x7 << eptEMTShift
	eptIPAT       = 1 << 6
	eptSP         = 1 << 7
	eptAvail1     = 1 << 10
	eptSNP        = 1 << 11
	eptMFNShift   = 12
	eptMFNBits    = 40
	eptMFNMask    = (1<<eptMFNBits - 1) << eptMFNShift
	eptTypeShift  = 52
	eptTypeMask   = 0x3f << eptTypeShift
	eptAccessMask = 0xf << 58
	eptTM         = 1 << 62
	eptAvail3     = 1 << 63

	eptDefined = eptR | eptW | eptX | eptEMTMask | eptIPAT | eptSP |
		eptAvail1 | eptSNP | eptMFNMask | eptTypeMask | eptAccessMask |
		eptTM | eptAvail3
)

// Memory types for the EMT field.
const (
	MemTypeUC = 0
	MemTypeWC = 1
	MemTypeWT = 4
	MemTypeWP = 5
	MemTypeWB = 6
)

func encodeEPT(level int, frame uint64, t p2mt.Type, perm p2mt.Perm) Entry {
	e := frame << eptMFNShift
	e |= uint64(t) << eptTypeShift
	if t.Cacheable() {
		e |= MemTypeWB<<eptEMTShift | eptIPAT
	} else {
		e |= MemTypeUC << eptEMTShift
	}
	if level > 0 {
		e |= eptSP
	}
	if perm&p2mt.Read != 0 {
		e |= eptR
	}
	if perm&p2mt.Write != 0 {
		e |= eptW
	}
	if perm&p2mt.Execute != 0 {
		e |= eptX
	}
	return Entry(e)
}

func decodeEPT(level int, e Entry) Decoded {
	if e&(eptR|eptW|eptX) == 0 {
		return Decoded{}
	}
	// A large page bit at the top level is reserved.
	if level == MaxLevel && e&eptSP != 0 {
		return Decoded{}
	}
	d := Decoded{
		Valid: true,
		Table: level > 0 && e&eptSP == 0,
		Frame: uint64(e&eptMFNMask) >> eptMFNShift,
	}
	if d.Table {
		return d
	}
	d.Type = p2mt.Type((e & eptTypeMask) >> eptTypeShift)
	if e&eptR != 0 {
		d.Perm |= p2mt.Read
	}
	if e&eptW != 0 {
		d.Perm |= p2mt.Write
	}
	if e&eptX != 0 {
		d.Perm |= p2mt.Execute
	}
	return d
}

// MemType returns the EMT field of an EPT leaf.
func MemType(e Entry) uint8 {
	return uint8((e & eptEMTMask) >> eptEMTShift)
}
