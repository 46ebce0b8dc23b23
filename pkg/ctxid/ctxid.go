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

// Package ctxid allocates hardware translation context tags (VMIDs on ARM,
// VPIDs on x86).
//
// Tag 0 is reserved for the hypervisor and never handed out. A released tag
// is invalidated on every core before it becomes available again, so a new
// owner never inherits translations cached for the previous one.
package ctxid

import (
	"fmt"

	"xlat.dev/xlat/pkg/bitmap"
	"xlat.dev/xlat/pkg/errors/linuxerr"
	"xlat.dev/xlat/pkg/log"
	"xlat.dev/xlat/pkg/sync"
	"xlat.dev/xlat/pkg/tlb"
)

// Flusher invalidates contexts. It is satisfied by *tlb.Invalidator.
type Flusher interface {
	NumCPUs() int
	FlushContext(id tlb.ContextID, cpus *tlb.CPUSet)
}

// MaxBits is the widest supported tag.
const MaxBits = 16

// Allocator is a bounded pool of context tags.
type Allocator struct {
	flusher Flusher

	mu  sync.Mutex
	ids bitmap.Bitmap
}

// New returns an allocator of 1<<bits tags.
func New(bits int, flusher Flusher) (*Allocator, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("context tag width %d out of range [1, %d]: %w", bits, MaxBits, linuxerr.EINVAL)
	}
	a := &Allocator{
		flusher: flusher,
		ids:     bitmap.New(uint32(1) << bits),
	}
	a.ids.Add(0)
	return a, nil
}

// Acquire returns the lowest free tag, or EAGAIN if every tag is in use.
func (a *Allocator) Acquire() (tlb.ContextID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.ids.FirstZero(1)
	if !ok {
		return 0, fmt.Errorf("all %d context tags in use: %w", a.ids.Size()-1, linuxerr.EAGAIN)
	}
	a.ids.Add(id)
	return tlb.ContextID(id), nil
}

// Release invalidates id on every core and returns it to the pool.
//
// Releasing the reserved tag or a tag that is not in use is fatal.
func (a *Allocator) Release(id tlb.ContextID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == 0 || !a.ids.Contains(uint32(id)) {
		log.Warningf("releasing context tag %d: not allocated; in use: %v", id, a.ids.ToSlice())
		panic(fmt.Sprintf("release of free context tag %d", id))
	}
	a.flusher.FlushContext(id, tlb.AllCPUs(a.flusher.NumCPUs()))
	a.ids.Remove(uint32(id))
}

// InUse returns the number of allocated tags.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.ids.GetNumOnes()) - 1
}

// Free returns the number of available tags.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.ids.Size() - a.ids.GetNumOnes())
}
