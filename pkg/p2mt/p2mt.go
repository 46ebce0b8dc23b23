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

// Package p2mt defines the software type tag carried by every leaf of a
// guest-physical to machine table, and the policy derived from it.
package p2mt

import (
	"fmt"
)

// Type is the mapping type of a leaf entry.
//
// Values are stored in the software-available bits of the hardware entry
// (four bits for stage-2 descriptors, six for EPT), so they must never exceed
// MaxStored.
type Type uint8

// Mapping types. The numbering is part of the entry format.
const (
	// Invalid means nothing is mapped.
	Invalid Type = iota

	// RAMRW is normal read/write guest RAM.
	RAMRW

	// RAMRO is read-only guest RAM; writes are dropped.
	RAMRO

	// MMIODirect is a read/write mapping of a genuine device region.
	MMIODirect

	// MapForeign is RAM owned by another domain.
	MapForeign

	// GrantMapRW is a read/write grant mapping.
	GrantMapRW

	// GrantMapRO is a read-only grant mapping.
	GrantMapRO

	// numTypes is the number of types that are stored in entries.
	numTypes
)

// MaxStored is the largest value that fits the narrowest tag field.
const MaxStored = 1<<4 - 1

var typeNames = [...]string{
	Invalid:    "invalid",
	RAMRW:      "ram_rw",
	RAMRO:      "ram_ro",
	MMIODirect: "mmio_direct",
	MapForeign: "map_foreign",
	GrantMapRW: "grant_map_rw",
	GrantMapRO: "grant_map_ro",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("p2mt(%d)", uint8(t))
}

// Parse returns the type with the given name.
func Parse(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return Type(t), nil
		}
	}
	return Invalid, fmt.Errorf("unknown mapping type %q", name)
}

// All returns every storable type, Invalid included.
func All() []Type {
	ts := make([]Type, 0, numTypes)
	for t := Invalid; t < numTypes; t++ {
		ts = append(ts, t)
	}
	return ts
}

// Storable returns true if t may be written to an entry.
func (t Type) Storable() bool {
	return t < numTypes
}

// IsRAM returns true for guest RAM, writable or not.
func (t Type) IsRAM() bool {
	return t == RAMRW || t == RAMRO
}

// IsForeign returns true for mappings of another domain's RAM.
func (t Type) IsForeign() bool {
	return t == MapForeign
}

// IsGrant returns true for grant mappings.
func (t Type) IsGrant() bool {
	return t == GrantMapRW || t == GrantMapRO
}

// Refcounted returns true if every leaf of this type holds one reference on
// the target frame for as long as the leaf exists.
//
// Grant references are owned by the grant table, and device memory is never
// reference counted.
func (t Type) Refcounted() bool {
	return t.IsRAM() || t.IsForeign()
}

// Freeable returns true if the table owner may return the backing frame to
// the allocator when the mapping goes away.
func (t Type) Freeable() bool {
	return t.IsRAM()
}

// Cacheable returns true if the mapping is normal memory, subject to cache
// maintenance.
func (t Type) Cacheable() bool {
	return t != MMIODirect && t != Invalid
}

// Tracked returns true if mappings of this type move the mapped-range
// watermarks of a domain.
func (t Type) Tracked() bool {
	return t.IsRAM() || t.IsForeign()
}

// Perm is a set of access permissions.
type Perm uint8

// Permission bits.
const (
	Read Perm = 1 << iota
	Write
	Execute

	// PermMask covers every permission bit.
	PermMask = Read | Write | Execute
)

// Common permission combinations.
const (
	ReadOnly  = Read
	ReadWrite = Read | Write
	AnyAccess = Read | Write | Execute
)

// String implements fmt.Stringer.
func (p Perm) String() string {
	var b [3]byte
	b[0], b[1], b[2] = '-', '-', '-'
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Execute != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// Allows returns true if every permission in want is present in p.
func (p Perm) Allows(want Perm) bool {
	return p&want == want
}

// DefaultPerm returns the permissions a leaf of type t is given when the
// caller does not ask for anything specific.
//
// Everything is readable. Grant mappings are never executable, and only the
// read/write variants of each family are writable.
func DefaultPerm(t Type) Perm {
	switch t {
	case RAMRW, MMIODirect, MapForeign:
		return AnyAccess
	case GrantMapRW:
		return ReadWrite
	case GrantMapRO:
		return ReadOnly
	default:
		return Read | Execute
	}
}
