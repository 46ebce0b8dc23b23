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

package linuxerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"direct", ENOMEM, true},
		{"wrapped", fmt.Errorf("mapping 0x1000: %w", ENOMEM), true},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ENOMEM)), true},
		{"unix errno", unix.ENOMEM, true},
		{"other", EINVAL, false},
		{"nil", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(ENOMEM, tc.err); got != tc.want {
				t.Errorf("Equals(ENOMEM, %v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) = %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.EAGAIN); err != EAGAIN {
		t.Errorf("ErrorFromUnix(EAGAIN) = %v, want %v", err, EAGAIN)
	}
	if got := ToUnix(EFAULT); got != unix.EFAULT {
		t.Errorf("ToUnix(EFAULT) = %v, want %v", got, unix.EFAULT)
	}
}
