// Copyright 2018 The gVisor Authors.
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

package pagetables

import (
	"fmt"

	"xlat.dev/xlat/pkg/sync"
)

// Allocator is used to allocate and map table pages.
type Allocator interface {
	// NewPTEs returns n new, zeroed and physically contiguous tables.
	NewPTEs(n int) ([]*PTEs, error)

	// FrameFor gives the machine frame of the given table.
	FrameFor(ptes *PTEs) uint64

	// LookupPTEs looks up a table by machine frame, returning nil if the
	// frame does not hold a table from this allocator.
	LookupPTEs(frame uint64) *PTEs

	// FreePTEs returns a table to the allocator.
	FreePTEs(ptes *PTEs)
}

// FrameSource provides the machine frames backing table pages.
type FrameSource interface {
	// AllocTables returns the first of n contiguous free frames.
	AllocTables(n int) (uint64, error)

	// FreeTable releases a frame returned by AllocTables.
	FreeTable(frame uint64)
}

// RuntimeAllocator keeps table contents in Go memory, indexed by the machine
// frame each table was given by its FrameSource.
type RuntimeAllocator struct {
	src FrameSource

	mu      sync.RWMutex
	byFrame map[uint64]*PTEs
	frames  map[*PTEs]uint64

	// pool holds freed tables for reuse.
	pool []*PTEs
}

// NewRuntimeAllocator returns an allocator drawing frames from src.
func NewRuntimeAllocator(src FrameSource) *RuntimeAllocator {
	return &RuntimeAllocator{
		src:     src,
		byFrame: make(map[uint64]*PTEs),
		frames:  make(map[*PTEs]uint64),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs(n int) ([]*PTEs, error) {
	base, err := r.src.AllocTables(n)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ptes := make([]*PTEs, n)
	for i := range ptes {
		var p *PTEs
		if last := len(r.pool) - 1; last >= 0 {
			p = r.pool[last]
			r.pool = r.pool[:last]
			*p = PTEs{}
		} else {
			p = new(PTEs)
		}
		frame := base + uint64(i)
		r.byFrame[frame] = p
		r.frames[p] = frame
		ptes[i] = p
	}
	return ptes, nil
}

// FrameFor implements Allocator.FrameFor.
func (r *RuntimeAllocator) FrameFor(ptes *PTEs) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	frame, ok := r.frames[ptes]
	if !ok {
		panic("table not owned by this allocator")
	}
	return frame
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(frame uint64) *PTEs {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byFrame[frame]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	frame, ok := r.frames[ptes]
	if !ok {
		r.mu.Unlock()
		panic(fmt.Sprintf("freeing unknown table %p", ptes))
	}
	delete(r.frames, ptes)
	delete(r.byFrame, frame)
	r.pool = append(r.pool, ptes)
	r.mu.Unlock()
	r.src.FreeTable(frame)
}

// Used returns the number of live tables.
func (r *RuntimeAllocator) Used() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}
