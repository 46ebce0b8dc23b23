// Copyright 2020 The gVisor Authors.
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


package cleanup

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// stage records the order in which undo functions run.
type stage struct {
	ran []string
}

func (s *stage) undo(name string) func() {
	return func() { s.ran = append(s.ran, name) }
}

// build acquires three resources and fails after failAt of them, or
// succeeds if failAt is 3.
func build(s *stage, failAt int) (func(), error) {
	cu := Make(s.undo("tag"))
	defer cu.Clean()
	for i, name := range []string{"root", "table"} {
		if i+1 == failAt {
			return nil, fmt.Errorf("allocating %s", name)
		}
		cu.Add(s.undo(name))
	}
	if failAt == 3 {
		return cu.Release(), nil
	}
	return nil, fmt.Errorf("failAt %d out of range", failAt)
}

func TestCleanOnFailure(t *testing.T) {
	for _, tc := range []struct {
		failAt int
		want   []string
	}{
		{failAt: 1, want: []string{"tag"}},
		{failAt: 2, want: []string{"root", "tag"}},
	} {
		t.Run(fmt.Sprintf("fail%d", tc.failAt), func(t *testing.T) {
			var s stage
			if _, err := build(&s, tc.failAt); err == nil {
				t.Fatalf("build succeeded, want error")
			}
			if diff := cmp.Diff(tc.want, s.ran); diff != "" {
				t.Errorf("undo order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	var s stage
	undo, err := build(&s, 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(s.ran) != 0 {
		t.Fatalf("released cleanup ran %v", s.ran)
	}
	undo()
	if diff := cmp.Diff([]string{"table", "root", "tag"}, s.ran); diff != "" {
		t.Errorf("undo order mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanTwice(t *testing.T) {
	var s stage
	cu := Make(s.undo("once"))
	cu.Clean()
	cu.Clean()
	if diff := cmp.Diff([]string{"once"}, s.ran); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
