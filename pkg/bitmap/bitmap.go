// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap.
package bitmap

import (
	"math/bits"
)

// Bitmap is a fixed-size set of small integers.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// words holds the bits, 64 entries per word.
	words []uint64
}

// New creates a new empty Bitmap holding bits [0, size).
func New(size uint32) Bitmap {
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true if i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.words[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	if start >= b.size {
		return 0, false
	}
	i, nbit := int(start/64), start%64
	w := b.words[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			if r >= b.size {
				return 0, false
			}
			return r, true
		}
		i++
		if i == len(b.words) {
			return 0, false
		}
		w = b.words[i]
	}
}

// Add adds i to the Bitmap. i must be less than Size().
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.words[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.words[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove removes i from the Bitmap.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.words[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.words[blockNum] = newBlock
		b.numOnes--
	}
}

// ToSlice returns the set bits in increasing order. For example, a bitmap of
// [0, 1, 0, 1] will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	out := make([]uint32, 0, b.numOnes)
	base := uint32(0)
	for _, w := range b.words {
		for w != 0 {
			out = append(out, base+uint32(bits.TrailingZeros64(w)))
			w &= w - 1
		}
		base += 64
	}
	return out
}
