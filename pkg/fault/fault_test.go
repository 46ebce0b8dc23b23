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

package fault

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/p2mt"
)

func TestDecodePAR(t *testing.T) {
	pa, err := DecodePAR(0x0000000080042f00, 0xffff000000001234)
	if err != nil {
		t.Fatalf("DecodePAR failed: %v", err)
	}
	if pa != 0x80042234 {
		t.Errorf("DecodePAR = %#x, want 0x80042234", pa)
	}
}

func TestDecodePARFault(t *testing.T) {
	for _, tc := range []struct {
		name string
		par  uint64
		want Fault
	}{
		{
			name: "stage 1 level 3 translation",
			par:  parF | 0x7<<parFSTShift,
			want: Fault{Kind: Translation, Stage: 1, Level: 0},
		},
		{
			name: "stage 2 level 1 permission",
			par:  parF | parS | 0xd<<parFSTShift,
			want: Fault{Kind: Permission, Stage: 2, Level: 2},
		},
		{
			name: "access flag",
			par:  parF | 0xa<<parFSTShift,
			want: Fault{Kind: AccessFlag, Stage: 1, Level: 1},
		},
		{
			name: "external abort",
			par:  parF | 0x10<<parFSTShift,
			want: Fault{Kind: External, Stage: 1, Level: -1},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePAR(tc.par, 0x4000)
			f, ok := err.(*Fault)
			if !ok {
				t.Fatalf("DecodePAR error = %v, want *Fault", err)
			}
			tc.want.Addr = 0x4000
			tc.want.Code = tc.par
			if diff := cmp.Diff(tc.want, *f); diff != "" {
				t.Errorf("fault mismatch (-want +got):\n%s", diff)
			}
			if !linuxerr.Equals(linuxerr.EFAULT, err) {
				t.Errorf("fault does not wrap EFAULT")
			}
		})
	}
}

func TestMustPAR(t *testing.T) {
	if pa := MustPAR(0x1000, 0x10, nil); pa != 0x1010 {
		t.Errorf("MustPAR = %#x, want 0x1010", pa)
	}
	dumped := false
	defer func() {
		if recover() == nil {
			t.Errorf("MustPAR did not panic on a faulting PAR")
		}
		if !dumped {
			t.Errorf("MustPAR did not dump the walk")
		}
	}()
	MustPAR(parF, 0x10, func(uint64) { dumped = true })
}

func TestDecodeEPTViolation(t *testing.T) {
	v := DecodeEPTViolation(eptWriteViolation|eptEffectiveRead|eptEffectiveExec|eptGLAValid|eptGLAFault, 0x5000, 0x7fff0000)
	want := Violation{
		Access:    p2mt.Write,
		Effective: p2mt.Read | p2mt.Execute,
		GLAValid:  true,
		GLAFault:  true,
		GPA:       0x5000,
		GLA:       0x7fff0000,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("violation mismatch (-want +got):\n%s", diff)
	}
	if f := v.Fault(); f.Kind != Permission || f.Addr != 0x5000 {
		t.Errorf("Fault() = %v, want permission fault at 0x5000", f)
	}

	v = DecodeEPTViolation(eptReadViolation, 0x6000, 0x1234)
	if v.GLA != 0 {
		t.Errorf("GLA reported without GLA valid")
	}
	if f := v.Fault(); f.Kind != Translation {
		t.Errorf("not-present violation decoded as %v", f.Kind)
	}
}

func TestExitReasonName(t *testing.T) {
	for _, tc := range []struct {
		reason uint32
		want   string
	}{
		{ExitEPTViolation, "EPT violation"},
		{ExitEPTMisconfig, "EPT misconfiguration"},
		{ExitINVVPID, "INVVPID"},
		{33 | exitFailedVMEntry, "failed VM entry: invalid guest state"},
		{35, "unknown exit reason 35"},
	} {
		if got := ExitReasonName(tc.reason); got != tc.want {
			t.Errorf("ExitReasonName(%d) = %q, want %q", tc.reason, got, tc.want)
		}
	}
}
