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


// Package cleanup undoes partially completed work on error paths.
package cleanup

// Cleanup holds undo functions until the operation they guard either fails,
// in which case Clean runs them newest first, or succeeds, in which case
// Release drops them:
//
//	cu := cleanup.Make(func() { ids.Release(id) })
//	defer cu.Clean()
//	pt, err := pagetables.New(...)
//	if err != nil {
//		return err // The tag is released.
//	}
//	cu.Release()
type Cleanup struct {
	undo []func()
}

// Make returns a Cleanup holding f.
func Make(f func()) Cleanup {
	return Cleanup{undo: []func(){f}}
}

// Add registers f to run before the functions already held.
func (c *Cleanup) Add(f func()) {
	c.undo = append(c.undo, f)
}

// Clean runs the held functions newest first and forgets them.
func (c *Cleanup) Clean() {
	run(c.undo)
	c.undo = nil
}

// Release forgets the held functions. The returned function runs them, for
// callers that hand the undo work to someone else.
func (c *Cleanup) Release() func() {
	undo := c.undo
	c.undo = nil
	return func() { run(undo) }
}

func run(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
