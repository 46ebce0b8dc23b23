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

package ctxid

import (
	"testing"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/hw"
	"xlat.dev/xlat/pkg/tlb"
)

func newAllocator(t *testing.T, bits int, arch tlb.Arch) (*Allocator, *hw.Machine) {
	t.Helper()
	m := hw.New(arch, hw.Opts{CPUs: 2})
	inv := tlb.NewInvalidator(m, m, m.Capabilities(), tlb.Opts{})
	a, err := New(bits, inv)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", bits, err)
	}
	return a, m
}

func TestExhaustion(t *testing.T) {
	a, _ := newAllocator(t, 2, tlb.ARM)
	seen := map[tlb.ContextID]bool{}
	for i := 0; i < 3; i++ {
		id, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		if id == 0 {
			t.Fatalf("Acquire handed out the reserved tag")
		}
		if seen[id] {
			t.Fatalf("tag %d handed out twice", id)
		}
		seen[id] = true
	}
	if _, err := a.Acquire(); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("Acquire on a full pool = %v, want EAGAIN", err)
	}
	if a.InUse() != 3 || a.Free() != 0 {
		t.Errorf("InUse = %d, Free = %d; want 3, 0", a.InUse(), a.Free())
	}
	a.Release(2)
	if id, err := a.Acquire(); err != nil || id != 2 {
		t.Errorf("Acquire after Release = %d, %v; want 2", id, err)
	}
}

func TestReleaseInvalidates(t *testing.T) {
	for _, arch := range []tlb.Arch{tlb.ARM, tlb.X86} {
		t.Run(arch.String(), func(t *testing.T) {
			a, m := newAllocator(t, 8, arch)
			id, err := a.Acquire()
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			other, err := a.Acquire()
			if err != nil {
				t.Fatalf("Acquire failed: %v", err)
			}
			for cpu := 0; cpu < 2; cpu++ {
				m.CPU(cpu).Fill(id, 0x10, 0x5000)
				m.CPU(cpu).Fill(other, 0x10, 0x6000)
			}
			a.Release(id)
			for cpu := 0; cpu < 2; cpu++ {
				if n := m.CPU(cpu).CachedCount(id); n != 0 {
					t.Errorf("cpu%d still caches %d translations of released tag %d", cpu, n, id)
				}
				if n := m.CPU(cpu).CachedCount(other); n != 1 {
					t.Errorf("cpu%d lost translations of live tag %d", cpu, other)
				}
			}
		})
	}
}

func TestReleaseFree(t *testing.T) {
	a, _ := newAllocator(t, 4, tlb.X86)
	for _, id := range []tlb.ContextID{0, 5} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Release(%d) did not panic", id)
				}
			}()
			a.Release(id)
		}()
	}
}

func TestBadWidth(t *testing.T) {
	for _, bits := range []int{0, 17} {
		if _, err := New(bits, nil); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("New(%d) = %v, want EINVAL", bits, err)
		}
	}
}
