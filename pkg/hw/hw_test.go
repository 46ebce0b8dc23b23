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


package hw

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"xlat.dev/xlat/pkg/tlb"
)

func TestDefaults(t *testing.T) {
	for _, tc := range []struct {
		arch      tlb.Arch
		broadcast bool
		bits      int
	}{
		{arch: tlb.ARM, broadcast: true, bits: 8},
		{arch: tlb.X86, broadcast: false, bits: 16},
	} {
		t.Run(tc.arch.String(), func(t *testing.T) {
			m := New(tc.arch, Opts{})
			if got := m.NumCPUs(); got != 1 {
				t.Errorf("NumCPUs() = %d, want 1", got)
			}
			caps := m.Capabilities()
			if caps.Broadcast != tc.broadcast {
				t.Errorf("Broadcast = %t, want %t", caps.Broadcast, tc.broadcast)
			}
			if caps.ContextBits != tc.bits {
				t.Errorf("ContextBits = %d, want %d", caps.ContextBits, tc.bits)
			}
			if !caps.Block2M || !caps.Block1G {
				t.Errorf("block support = %t/%t, want both", caps.Block2M, caps.Block1G)
			}
		})
	}
}

func TestInvalidateReach(t *testing.T) {
	for _, tc := range []struct {
		arch tlb.Arch
		// remaining is whether cpu 1 still caches the page after cpu 0
		// invalidates it.
		remaining bool
	}{
		{arch: tlb.ARM, remaining: false},
		{arch: tlb.X86, remaining: true},
	} {
		t.Run(tc.arch.String(), func(t *testing.T) {
			m := New(tc.arch, Opts{CPUs: 2})
			for i := 0; i < 2; i++ {
				m.CPU(i).Fill(3, 0x10, 0x900)
				m.CPU(i).Fill(4, 0x10, 0x901)
			}
			m.InvalidateTLBAddr(0, 3, 0x10<<12)

			if _, ok := m.CPU(0).Cached(3, 0x10); ok {
				t.Errorf("cpu 0 still caches the invalidated page")
			}
			if _, ok := m.CPU(1).Cached(3, 0x10); ok != tc.remaining {
				t.Errorf("cpu 1 cached = %t, want %t", ok, tc.remaining)
			}
			if frame, ok := m.CPU(0).Cached(4, 0x10); !ok || frame != 0x901 {
				t.Errorf("other context: Cached() = %#x, %t, want 0x901, true", frame, ok)
			}
		})
	}
}

func TestInvalidateContext(t *testing.T) {
	m := New(tlb.X86, Opts{})
	c := m.CPU(0)
	for page := uint64(0); page < 4; page++ {
		c.Fill(1, page, page)
		c.Fill(2, page, page)
	}
	m.InvalidateTLBContext(0, 1)
	if got := c.CachedCount(1); got != 0 {
		t.Errorf("CachedCount(1) = %d, want 0", got)
	}
	if got := c.CachedCount(2); got != 4 {
		t.Errorf("CachedCount(2) = %d, want 4", got)
	}
	m.InvalidateTLBAll(0)
	if got := c.CachedCount(2); got != 0 {
		t.Errorf("CachedCount(2) after global flush = %d, want 0", got)
	}
}

func TestUnsupportedInvalidationPanics(t *testing.T) {
	m := New(tlb.ARM, Opts{NoSingleContext: true, NoIndividualAddress: true})
	for name, fn := range map[string]func(){
		"context": func() { m.InvalidateTLBContext(0, 1) },
		"addr":    func() { m.InvalidateTLBAddr(0, 1, 0) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("no panic")
				}
			}()
			fn()
		})
	}
}

func TestMnemonics(t *testing.T) {
	for _, tc := range []struct {
		arch tlb.Arch
		want []string
	}{
		{
			arch: tlb.ARM,
			want: []string{"dsb sy", "dc civac 0x1000", "msr vttbr_el2 0x2000", "isb"},
		},
		{
			arch: tlb.X86,
			want: []string{"mfence", "clflush 0x1000", "vmwrite eptp 0x2000", "serialize"},
		},
	} {
		t.Run(tc.arch.String(), func(t *testing.T) {
			m := New(tc.arch, Opts{})
			m.DataSyncBarrier(0)
			m.CleanInvalidateDCache(0, 0x1000)
			m.LoadRoot(0, 5, 0x2000)
			m.InstructionSyncBarrier(0)
			if diff := cmp.Diff(tc.want, m.CPU(0).Log()); diff != "" {
				t.Errorf("log mismatch (-want +got):\n%s", diff)
			}
			if root, id := m.CPU(0).Root(); root != 0x2000 || id != 5 {
				t.Errorf("Root() = %#x, %d, want 0x2000, 5", root, id)
			}
			m.CPU(0).ResetLog()
			if got := m.CPU(0).Log(); len(got) != 0 {
				t.Errorf("log after reset = %v, want empty", got)
			}
		})
	}
}

func waitAck(t *testing.T, a tlb.Ack) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !a.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("request not acknowledged")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSend(t *testing.T) {
	m := New(tlb.X86, Opts{CPUs: 2})
	m.CPU(1).Fill(7, 0x20, 0x500)
	m.CPU(1).Fill(7, 0x21, 0x501)

	waitAck(t, m.Send(1, tlb.Request{Scope: tlb.ScopeRange, ID: 7, Addr: 0x20 << 12, Pages: 1}))
	if got := m.IPIs(); got != 1 {
		t.Errorf("IPIs() = %d, want 1", got)
	}
	if _, ok := m.CPU(1).Cached(7, 0x20); ok {
		t.Errorf("page 0x20 still cached after shootdown")
	}
	if _, ok := m.CPU(1).Cached(7, 0x21); !ok {
		t.Errorf("page 0x21 dropped by a single-page shootdown")
	}
	log := m.CPU(1).Log()
	if len(log) == 0 || !strings.HasPrefix(log[0], "ipi range ctx 7") {
		t.Errorf("log = %v, want it to start with the ipi", log)
	}
	if got := m.CPU(0).Log(); len(got) != 0 {
		t.Errorf("sender log = %v, want empty", got)
	}
}

func TestStalledCPU(t *testing.T) {
	m := New(tlb.X86, Opts{CPUs: 2})
	m.CPU(1).Stall(true)
	a := m.Send(1, tlb.Request{Scope: tlb.ScopeAll})
	time.Sleep(10 * time.Millisecond)
	if a.Done() {
		t.Errorf("stalled cpu acknowledged a request")
	}
	if got := m.IPIs(); got != 0 {
		t.Errorf("IPIs() = %d, want 0", got)
	}

	m.CPU(1).Stall(false)
	waitAck(t, m.Send(1, tlb.Request{Scope: tlb.ScopeAll}))
}
