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
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/fault"
	"xlat.dev/xlat/pkg/frame"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/p2mt"
	"xlat.dev/xlat/pkg/pagetables"
	"xlat.dev/xlat/pkg/pte"
	"xlat.dev/xlat/pkg/tlb"
	"xlat.dev/xlat/pkg/trace"
)

// EPTP fields.
const (
	eptpWriteBack   = 6
	eptpLevelsShift = 3
)

// vttbrVMIDShift is the position of the VMID in VTTBR.
const vttbrVMIDShift = 48

// RootPointer returns the value loaded into the translation base register:
// VTTBR on ARM, the EPT pointer on x86.
func (d *Domain) RootPointer() uint64 {
	root := d.pool().MachineAddress(d.pt.RootFrame())
	if d.m.layout.Format == pte.EPT {
		return root | uint64(d.m.layout.Levels-1)<<eptpLevelsShift | eptpWriteBack
	}
	return uint64(d.id)<<vttbrVMIDShift | root
}

// LoadRoot switches cpu to this domain's translation. The core is then
// included in every invalidation of this domain.
func (d *Domain) LoadRoot(cpu int) error {
	if cpu < 0 || cpu >= d.m.inv.NumCPUs() {
		return fmt.Errorf("cpu %d out of range: %w", cpu, linuxerr.EINVAL)
	}
	d.shrink.RLock()
	defer d.shrink.RUnlock()
	if d.State() == Destroyed {
		return fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.EBUSY)
	}
	d.cpus.Add(cpu)
	d.m.inv.LoadRoot(cpu, d.id, d.RootPointer())
	return nil
}

// CPUs returns the cores that loaded the root.
func (d *Domain) CPUs() string {
	return d.cpus.String()
}

// Translate walks the tables for gpa as the hardware would for an access,
// returning the machine address or a *fault.Fault.
func (d *Domain) Translate(gpa uint64, access p2mt.Perm) (uint64, error) {
	d.shrink.RLock()
	defer d.shrink.RUnlock()
	if d.State() == Destroyed || gpa >= d.limit() {
		return 0, &fault.Fault{Kind: fault.AddressSize, Stage: 2, Level: -1, Addr: gpa, Access: access}
	}
	var (
		level int
		last  pte.Entry
	)
	d.pt.Path(gpa, func(l int, _ uint64, _ int, e pte.Entry) {
		level, last = l, e
	})
	dec := pte.Decode(d.m.layout.Format, level, last)
	if !dec.Valid {
		return 0, fault.NewTranslation(gpa, level, access)
	}
	if !dec.Perm.Allows(access) {
		return 0, fault.NewPermission(gpa, level, access)
	}
	return d.pool().MachineAddress(dec.Frame) | gpa&(pte.LevelSize(level)-1), nil
}

// CacheFlush cleans and invalidates the data cache for every RAM page
// mapped in guest frames [startGFN, endGFN). The range is clamped to the
// watermarks.
func (d *Domain) CacheFlush(startGFN, endGFN uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Destroyed {
		return fmt.Errorf("domain %v destroyed: %w", d.owner, linuxerr.EBUSY)
	}
	if d.lowestMappedGFN == noGFN {
		return nil
	}
	start := max(startGFN, d.lowestMappedGFN)
	end := min(endGFN, d.maxMappedGFN+1)
	if start >= end {
		return nil
	}
	var pages uint64
	s, e := start<<pte.PageShift, end<<pte.PageShift
	d.pt.Iterate(s, e, func(l pagetables.Leaf) bool {
		if !l.Type.IsRAM() || !l.Type.Cacheable() {
			return true
		}
		from, to := max(l.Addr, s), min(l.Addr+l.Size(), e)
		d.m.inv.CleanInvalidate(d.pool().MachineAddress(l.FrameFor(from)), to-from)
		pages += (to - from) >> pte.PageShift
		return true
	})
	d.emit(trace.Event{Kind: trace.Flush, GFN: start, Pages: pages})
	return nil
}

// Dump renders the walk to gpa, one line per level, and logs it.
func (d *Domain) Dump(gpa uint64) string {
	d.shrink.RLock()
	defer d.shrink.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "domain %v context %d root %#x: walk of %#x\n", d.owner, d.id, d.RootPointer(), gpa)
	if d.State() == Destroyed {
		b.WriteString("  destroyed\n")
	} else {
		format := d.m.layout.Format
		d.pt.Path(gpa, func(level int, table uint64, index int, e pte.Entry) {
			fmt.Fprintf(&b, "  level %d table %#x [%3d] = %s\n", level, table, index, pte.Describe(format, level, e))
		})
	}
	s := b.String()
	log.Infof("%s", s)
	return s
}

// Snapshot is a point in time summary of a domain, for diagnostics.
type Snapshot struct {
	Owner           frame.Owner
	ID              tlb.ContextID
	State           State
	MaxMappedGFN    uint64
	LowestMappedGFN uint64
	Tables          int
	Pages           map[p2mt.Type]uint64
	PoD             []GPARange
	PoDPages        uint64
	Owned           int
	CPUs            string
}

// Snapshot returns a copy of the domain bookkeeping.
func (d *Domain) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		Owner:           d.owner,
		ID:              d.id,
		State:           d.State(),
		MaxMappedGFN:    d.maxMappedGFN,
		LowestMappedGFN: d.lowestMappedGFN,
		Pages:           deepcopy.Copy(d.pages).(map[p2mt.Type]uint64),
		PoDPages:        d.podPages,
		Owned:           len(d.owned),
		CPUs:            d.cpus.String(),
	}
	for t, n := range s.Pages {
		if n == 0 {
			delete(s.Pages, t)
		}
	}
	if d.State() != Destroyed {
		d.pt.Tables(func(int, uint64) { s.Tables++ })
	}
	d.pod.Ascend(func(r podRange) bool {
		s.PoD = append(s.PoD, PageRange(r.start, r.count))
		return true
	})
	return s
}

// String implements fmt.Stringer.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "domain %v: context %d, %v, %d tables, %d owned frames", s.Owner, s.ID, s.State, s.Tables, s.Owned)
	if s.LowestMappedGFN != noGFN {
		fmt.Fprintf(&b, ", gfns [%#x, %#x]", s.LowestMappedGFN, s.MaxMappedGFN)
	}
	for _, t := range p2mt.All() {
		if n := s.Pages[t]; n > 0 {
			fmt.Fprintf(&b, ", %v %d", t, n)
		}
	}
	if s.PoDPages > 0 {
		fmt.Fprintf(&b, ", %d reserved pages", s.PoDPages)
	}
	return b.String()
}

// fatalf dumps the domain and panics.
func (d *Domain) fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("Domain %v invariant violated: %s; %v", d.owner, msg, d.snapshotLocked())
	panic(msg)
}

func (d *Domain) snapshotLocked() string {
	return fmt.Sprintf("state %v, gfns [%#x, %#x], %d owned frames, %d deferred puts", d.State(), d.lowestMappedGFN, d.maxMappedGFN, len(d.owned), len(d.puts))
}
