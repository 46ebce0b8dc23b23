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

// Package fault decodes translation faults reported by hardware and defines
// the fault produced by software walks of guest-physical tables.
package fault

import (
	"fmt"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2mt"
)

// Kind classifies a fault.
type Kind uint8

// Fault kinds.
const (
	Translation Kind = iota
	Permission
	AccessFlag
	AddressSize
	External
	Misconfiguration
)

var kindNames = [...]string{
	Translation:      "translation",
	Permission:       "permission",
	AccessFlag:       "access flag",
	AddressSize:      "address size",
	External:         "external abort",
	Misconfiguration: "misconfiguration",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Fault is a decoded translation fault. It wraps EFAULT.
type Fault struct {
	Kind Kind

	// Stage is 1 or 2, or 0 if the hardware did not say.
	Stage int

	// Level is the table level, numbered from the leaf, or -1 if unknown.
	Level int

	// Addr is the faulting input address.
	Addr uint64

	// Access is the attempted access.
	Access p2mt.Perm

	// Code is the raw architectural status.
	Code uint64
}

// Error implements error.Error.
func (f *Fault) Error() string {
	level := "unknown level"
	if f.Level >= 0 {
		level = fmt.Sprintf("level %d", f.Level)
	}
	return fmt.Sprintf("stage %d %v fault at %#x (%s, access %v, code %#x)", f.Stage, f.Kind, f.Addr, level, f.Access, f.Code)
}

// Unwrap returns EFAULT, so that faults compare with linuxerr.Equals.
func (f *Fault) Unwrap() error {
	return linuxerr.EFAULT
}

// NewTranslation returns the fault of a walk that found no entry at level.
func NewTranslation(addr uint64, level int, access p2mt.Perm) *Fault {
	return &Fault{Kind: Translation, Stage: 2, Level: level, Addr: addr, Access: access}
}

// NewPermission returns the fault of a walk whose leaf at level does not
// allow access.
func NewPermission(addr uint64, level int, access p2mt.Perm) *Fault {
	return &Fault{Kind: Permission, Stage: 2, Level: level, Addr: addr, Access: access}
}

// PAR fields.
const (
	parF         = 1 << 0
	parFSTShift  = 1
	parFSTMask   = 0x3f
	parPTW       = 1 << 8
	parS         = 1 << 9
	parAddrMask  = (1<<48 - 1) &^ (pageSize - 1)
	pageSize     = 1 << 12
	armMaxLevel  = 3
	fscTypeShift = 2
)

// faultStatus decodes a long-descriptor fault status code.
func faultStatus(fst uint64) (Kind, int) {
	level := armMaxLevel - int(fst&3)
	switch fst >> fscTypeShift {
	case 0:
		return AddressSize, level
	case 1:
		return Translation, level
	case 2:
		return AccessFlag, level
	case 3:
		return Permission, level
	default:
		return External, -1
	}
}

// DecodePAR interprets the result of an address translation instruction for
// va. On success it returns the output address, page offset included.
func DecodePAR(par, va uint64) (uint64, error) {
	if par&parF == 0 {
		return par&parAddrMask | va&(pageSize-1), nil
	}
	fst := (par >> parFSTShift) & parFSTMask
	kind, level := faultStatus(fst)
	stage := 1
	if par&parS != 0 {
		stage = 2
	}
	return 0, &Fault{Kind: kind, Stage: stage, Level: level, Addr: va, Code: par}
}

// MustPAR is DecodePAR for hypervisor addresses, which must always
// translate. On failure dump is called with va before panicking.
func MustPAR(par, va uint64, dump func(va uint64)) uint64 {
	pa, err := DecodePAR(par, va)
	if err != nil {
		log.Warningf("hypervisor address %#x does not translate: %v", va, err)
		if dump != nil {
			dump(va)
		}
		panic(fmt.Sprintf("PAR %#x for hypervisor address %#x", par, va))
	}
	return pa
}

// EPT violation exit qualification bits.
const (
	eptReadViolation  = 1 << 0
	eptWriteViolation = 1 << 1
	eptExecViolation  = 1 << 2
	eptEffectiveRead  = 1 << 3
	eptEffectiveWrite = 1 << 4
	eptEffectiveExec  = 1 << 5
	eptGLAValid       = 1 << 7
	eptGLAFault       = 1 << 8
)

// Violation is a decoded EPT violation.
type Violation struct {
	// Access is the attempted access.
	Access p2mt.Perm

	// Effective is what the entry allowed. Zero means not present.
	Effective p2mt.Perm

	// GLAValid is set if GLA holds the guest linear address.
	GLAValid bool

	// GLAFault is set if the access was the final translation of GLA
	// rather than a guest page walk.
	GLAFault bool

	GPA uint64
	GLA uint64
}

// DecodeEPTViolation interprets an EPT violation exit qualification.
func DecodeEPTViolation(qual, gpa, gla uint64) Violation {
	var v Violation
	if qual&eptReadViolation != 0 {
		v.Access |= p2mt.Read
	}
	if qual&eptWriteViolation != 0 {
		v.Access |= p2mt.Write
	}
	if qual&eptExecViolation != 0 {
		v.Access |= p2mt.Execute
	}
	if qual&eptEffectiveRead != 0 {
		v.Effective |= p2mt.Read
	}
	if qual&eptEffectiveWrite != 0 {
		v.Effective |= p2mt.Write
	}
	if qual&eptEffectiveExec != 0 {
		v.Effective |= p2mt.Execute
	}
	v.GLAValid = qual&eptGLAValid != 0
	v.GLAFault = v.GLAValid && qual&eptGLAFault != 0
	v.GPA = gpa
	if v.GLAValid {
		v.GLA = gla
	}
	return v
}

// Fault converts v to a stage-2 fault.
func (v Violation) Fault() *Fault {
	kind := Permission
	if v.Effective == 0 {
		kind = Translation
	}
	return &Fault{Kind: kind, Stage: 2, Level: -1, Addr: v.GPA, Access: v.Access}
}

// Exit reasons that concern guest-physical translation.
const (
	ExitEPTViolation = 48
	ExitEPTMisconfig = 49
	ExitINVEPT       = 50
	ExitINVVPID      = 53

	exitFailedVMEntry = 0x80000000
)

var exitReasons = map[uint32]string{
	0:  "exception or NMI",
	1:  "external interrupt",
	2:  "triple fault",
	3:  "INIT",
	4:  "SIPI",
	5:  "I/O SMI",
	6:  "other SMI",
	7:  "pending virtual interrupt",
	8:  "pending virtual NMI",
	9:  "task switch",
	10: "CPUID",
	11: "GETSEC",
	12: "HLT",
	13: "INVD",
	14: "INVLPG",
	15: "RDPMC",
	16: "RDTSC",
	17: "RSM",
	18: "VMCALL",
	19: "VMCLEAR",
	20: "VMLAUNCH",
	21: "VMPTRLD",
	22: "VMPTRST",
	23: "VMREAD",
	24: "VMRESUME",
	25: "VMWRITE",
	26: "VMXOFF",
	27: "VMXON",
	28: "control register access",
	29: "debug register access",
	30: "I/O instruction",
	31: "RDMSR",
	32: "WRMSR",
	33: "invalid guest state",
	34: "MSR loading",
	36: "MWAIT",
	37: "monitor trap flag",
	39: "MONITOR",
	40: "PAUSE",
	41: "machine check during VM entry",
	43: "TPR below threshold",
	44: "APIC access",
	45: "EOI induced",
	46: "GDTR or IDTR access",
	47: "LDTR or TR access",
	48: "EPT violation",
	49: "EPT misconfiguration",
	50: "INVEPT",
	51: "RDTSCP",
	52: "VMX preemption timer expired",
	53: "INVVPID",
	54: "WBINVD",
	55: "XSETBV",
	56: "APIC write",
	58: "INVPCID",
}

// ExitReasonName returns a readable name for a VM exit reason.
func ExitReasonName(reason uint32) string {
	prefix := ""
	if reason&exitFailedVMEntry != 0 {
		prefix = "failed VM entry: "
		reason &^= exitFailedVMEntry
	}
	if name, ok := exitReasons[reason&0xffff]; ok {
		return prefix + name
	}
	return fmt.Sprintf("%sunknown exit reason %d", prefix, reason)
}
